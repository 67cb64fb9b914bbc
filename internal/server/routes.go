package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/qtosh1/btc-gateway/internal/deposit"
	"github.com/qtosh1/btc-gateway/internal/trading"
	"github.com/qtosh1/btc-gateway/internal/withdraw"
)

var (
	ethAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern     = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

func (s *Server) registerRoutes() {
	if s.app == nil {
		return
	}
	e := s.app

	e.GET("/health", s.handleHealth)

	e.POST("/generate-address", s.handleGenerateAddress)
	e.GET("/check-deposit/:ethAddress", s.handleCheckDeposit)
	e.GET("/address/:ethAddress", s.handleGetAddress)
	e.GET("/transactions/:ethAddress", s.handleListTransactions)
	e.GET("/transaction/:txHash", s.handleGetTransaction)

	e.POST("/withdraw", s.handleWithdraw,
		middleware.RateLimiter(rateStore(s.opts.Config.WithdrawRateLimit, s.opts.Config.RateLimitWindow)))

	e.POST("/trades", s.handlePlaceTrade)
	e.GET("/trades", s.handleListTrades)
	e.GET("/trades/:id", s.handleGetTrade)

	e.GET("/ws", s.handleStream)

	admin := e.Group("/admin", s.requireAdminKey)
	admin.GET("/users", s.handleAdminUsers)
	admin.GET("/transactions", s.handleAdminTransactions)
	admin.GET("/trades", s.handleAdminTrades)
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, map[string]any{"success": true, "data": data})
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]any{"success": false, "message": message})
}

func (s *Server) requireAdminKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := s.opts.Config.AdminAPIKey
		provided := c.Request().Header.Get("x-admin-key")
		if key == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			return fail(c, http.StatusUnauthorized, "invalid admin key")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]any{
		"status":  "ok",
		"network": s.opts.Config.NetworkName(),
	}
	if s.opts.Explorer != nil {
		height, err := s.opts.Explorer.GetTipHeight(c.Request().Context())
		if err != nil {
			resp["status"] = "degraded"
		} else {
			resp["latestBlockHeight"] = height
		}
	}
	return ok(c, http.StatusOK, resp)
}

func (s *Server) handleGenerateAddress(c echo.Context) error {
	var payload struct {
		EthAddress string `json:"ethAddress"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "malformed request body")
	}
	if !ethAddressPattern.MatchString(strings.TrimSpace(payload.EthAddress)) {
		return fail(c, http.StatusBadRequest, "ethAddress must be a 0x-prefixed 40-hex-digit address")
	}

	res, err := s.opts.Deposits.GenerateAddress(c.Request().Context(), payload.EthAddress)
	if err != nil {
		s.opts.Logger.Error("generate address failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to generate deposit address")
	}
	return ok(c, http.StatusOK, map[string]any{
		"ethAddress":     res.User.EthAddress,
		"btcAddress":     res.User.BtcAddress,
		"derivationPath": res.DerivationPath,
		"balance":        res.User.BtcBalance,
		"lastUpdated":    res.User.LastUpdated,
	})
}

func (s *Server) handleCheckDeposit(c echo.Context) error {
	ethAddress := c.Param("ethAddress")
	if !ethAddressPattern.MatchString(ethAddress) {
		return fail(c, http.StatusBadRequest, "ethAddress must be a 0x-prefixed 40-hex-digit address")
	}

	status, err := s.opts.Deposits.CheckDeposit(c.Request().Context(), ethAddress)
	if err != nil {
		if errors.Is(err, deposit.ErrUserNotFound) {
			return fail(c, http.StatusNotFound, "no deposit address for this Ethereum address, generate one first")
		}
		s.opts.Logger.Error("check deposit failed", zap.String("eth_address", ethAddress), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "deposit reconciliation failed")
	}
	return ok(c, http.StatusOK, status)
}

func (s *Server) handleGetAddress(c echo.Context) error {
	ethAddress := c.Param("ethAddress")
	if !ethAddressPattern.MatchString(ethAddress) {
		return fail(c, http.StatusBadRequest, "ethAddress must be a 0x-prefixed 40-hex-digit address")
	}

	user, err := s.opts.Deposits.GetUser(c.Request().Context(), ethAddress)
	if err != nil {
		if errors.Is(err, deposit.ErrUserNotFound) {
			return fail(c, http.StatusNotFound, "no deposit address for this Ethereum address, generate one first")
		}
		s.opts.Logger.Error("get address failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to load address mapping")
	}
	return ok(c, http.StatusOK, user)
}

func (s *Server) handleListTransactions(c echo.Context) error {
	ethAddress := c.Param("ethAddress")
	if !ethAddressPattern.MatchString(ethAddress) {
		return fail(c, http.StatusBadRequest, "ethAddress must be a 0x-prefixed 40-hex-digit address")
	}

	txs, err := s.opts.Deposits.ListTransactions(c.Request().Context(), ethAddress)
	if err != nil {
		if errors.Is(err, deposit.ErrUserNotFound) {
			return fail(c, http.StatusNotFound, "no deposit address for this Ethereum address, generate one first")
		}
		s.opts.Logger.Error("list transactions failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to load transactions")
	}
	return ok(c, http.StatusOK, txs)
}

func (s *Server) handleGetTransaction(c echo.Context) error {
	txHash := c.Param("txHash")
	if !txHashPattern.MatchString(txHash) {
		return fail(c, http.StatusBadRequest, "txHash must be a 64-hex-digit transaction hash")
	}

	detail, err := s.opts.Deposits.GetTransaction(c.Request().Context(), txHash)
	if err != nil {
		s.opts.Logger.Error("get transaction failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to load transaction")
	}
	if detail == nil {
		return fail(c, http.StatusNotFound, "transaction not found")
	}
	return ok(c, http.StatusOK, detail)
}

func (s *Server) handleWithdraw(c echo.Context) error {
	var payload struct {
		EthAddress string          `json:"ethAddress"`
		BtcAddress string          `json:"btcAddress"`
		Amount     decimal.Decimal `json:"amount"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "malformed request body")
	}
	if !ethAddressPattern.MatchString(strings.TrimSpace(payload.EthAddress)) {
		return fail(c, http.StatusBadRequest, "ethAddress must be a 0x-prefixed 40-hex-digit address")
	}

	receipt, err := s.opts.Withdrawals.Withdraw(c.Request().Context(), payload.EthAddress, payload.BtcAddress, payload.Amount)
	if err != nil {
		switch {
		case errors.Is(err, withdraw.ErrInvalidAddress):
			return fail(c, http.StatusBadRequest, "invalid destination bitcoin address")
		case errors.Is(err, withdraw.ErrAmountOutOfRange):
			return fail(c, http.StatusBadRequest, "amount must be between 0.00001 and 100 BTC")
		case errors.Is(err, withdraw.ErrUserNotFound):
			return fail(c, http.StatusNotFound, "no deposit address for this Ethereum address, generate one first")
		case errors.Is(err, withdraw.ErrInsufficientBalance):
			return fail(c, http.StatusBadRequest, "insufficient balance")
		case errors.Is(err, withdraw.ErrNetworkFailure):
			return fail(c, http.StatusInternalServerError, "network error while broadcasting transaction")
		}
		s.opts.Logger.Error("withdraw failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "withdrawal failed")
	}
	return ok(c, http.StatusOK, receipt)
}

func (s *Server) handlePlaceTrade(c echo.Context) error {
	var payload struct {
		UserID     string          `json:"userId"`
		Symbol     string          `json:"symbol"`
		Prediction string          `json:"prediction"`
		Amount     decimal.Decimal `json:"amount"`
		Duration   int             `json:"duration"`
		OpenPrice  decimal.Decimal `json:"openPrice"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "malformed request body")
	}

	trade, err := s.opts.Trades.PlaceTrade(c.Request().Context(), trading.PlaceRequest{
		UserID:          payload.UserID,
		Symbol:          payload.Symbol,
		Prediction:      payload.Prediction,
		Amount:          payload.Amount,
		DurationSeconds: payload.Duration,
		OpenPrice:       payload.OpenPrice,
	})
	if err != nil {
		if errors.Is(err, trading.ErrInvalidTrade) {
			return fail(c, http.StatusBadRequest, err.Error())
		}
		s.opts.Logger.Error("place trade failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to place trade")
	}
	return ok(c, http.StatusCreated, trade)
}

func (s *Server) handleListTrades(c echo.Context) error {
	userID := strings.TrimSpace(c.QueryParam("user_id"))
	if userID == "" {
		return fail(c, http.StatusBadRequest, "user_id is required")
	}
	trades, err := s.opts.Trades.ListTrades(c.Request().Context(), userID)
	if err != nil {
		s.opts.Logger.Error("list trades failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to load trades")
	}
	return ok(c, http.StatusOK, trades)
}

func (s *Server) handleGetTrade(c echo.Context) error {
	trade, err := s.opts.Trades.GetTrade(c.Request().Context(), c.Param("id"))
	if err != nil {
		s.opts.Logger.Error("get trade failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to load trade")
	}
	if trade == nil {
		return fail(c, http.StatusNotFound, "trade not found")
	}
	return ok(c, http.StatusOK, trade)
}

func (s *Server) handleStream(c echo.Context) error {
	if s.opts.Hub == nil {
		return fail(c, http.StatusServiceUnavailable, "stream unavailable")
	}
	return s.opts.Hub.Serve(c.Response(), c.Request())
}

func (s *Server) handleAdminUsers(c echo.Context) error {
	users, err := s.opts.Admin.ListUsers(c.Request().Context())
	if err != nil {
		s.opts.Logger.Error("admin list users failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to load users")
	}
	return ok(c, http.StatusOK, users)
}

func (s *Server) handleAdminTransactions(c echo.Context) error {
	txs, err := s.opts.Admin.ListTransactions(c.Request().Context())
	if err != nil {
		s.opts.Logger.Error("admin list transactions failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to load transactions")
	}
	return ok(c, http.StatusOK, txs)
}

func (s *Server) handleAdminTrades(c echo.Context) error {
	trades, err := s.opts.Admin.ListTrades(c.Request().Context())
	if err != nil {
		s.opts.Logger.Error("admin list trades failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to load trades")
	}
	return ok(c, http.StatusOK, trades)
}
