package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qtosh1/btc-gateway/internal/config"
	"github.com/qtosh1/btc-gateway/internal/database"
	"github.com/qtosh1/btc-gateway/internal/deposit"
	"github.com/qtosh1/btc-gateway/internal/trading"
	"github.com/qtosh1/btc-gateway/internal/withdraw"
)

// DepositService captures the deposit/reconciliation operations required
// by the HTTP layer.
type DepositService interface {
	GenerateAddress(ctx context.Context, ethAddress string) (*deposit.GeneratedAddress, error)
	CheckDeposit(ctx context.Context, ethAddress string) (*deposit.DepositStatus, error)
	GetUser(ctx context.Context, ethAddress string) (*database.User, error)
	ListTransactions(ctx context.Context, ethAddress string) ([]database.Transaction, error)
	GetTransaction(ctx context.Context, txHash string) (*deposit.TransactionDetail, error)
}

// WithdrawalService simulates withdrawals.
type WithdrawalService interface {
	Withdraw(ctx context.Context, ethAddress, btcAddress string, amount decimal.Decimal) (*withdraw.Receipt, error)
}

// TradeService places and reads binary-options trades.
type TradeService interface {
	PlaceTrade(ctx context.Context, req trading.PlaceRequest) (*database.Trade, error)
	GetTrade(ctx context.Context, id string) (*database.Trade, error)
	ListTrades(ctx context.Context, userID string) ([]database.Trade, error)
}

// AdminStore exposes the list-all views behind the admin key.
type AdminStore interface {
	ListUsers(ctx context.Context) ([]database.User, error)
	ListTransactions(ctx context.Context) ([]database.Transaction, error)
	ListTrades(ctx context.Context) ([]database.Trade, error)
}

// ChainInfo is the explorer read used by the health endpoint.
type ChainInfo interface {
	GetTipHeight(ctx context.Context) (int64, error)
}

// StreamHub upgrades websocket subscribers.
type StreamHub interface {
	Serve(w http.ResponseWriter, r *http.Request) error
}

// Options configures the HTTP server instance.
type Options struct {
	Config      config.Config
	Logger      *zap.Logger
	Deposits    DepositService
	Withdrawals WithdrawalService
	Trades      TradeService
	Admin       AdminStore
	Explorer    ChainInfo
	Hub         StreamHub
}

// Server wires Echo with the application dependencies.
type Server struct {
	opts Options
	app  *echo.Echo
}

// New creates a new Server instance.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: opts.Config.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderContentType, "x-admin-key"},
	}))
	e.Use(middleware.RateLimiter(rateStore(opts.Config.GlobalRateLimit, opts.Config.RateLimitWindow)))

	s := &Server{
		opts: opts,
		app:  e,
	}
	s.registerRoutes()
	return s
}

// Start launches the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Config.HTTPHost, s.opts.Config.HTTPPort)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.Config.ShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	s.opts.Logger.Info("http server listening", zap.String("addr", addr))
	err := s.app.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app == nil {
		return nil
	}
	return s.app.Shutdown(ctx)
}

func rateStore(requests int, window time.Duration) middleware.RateLimiterStore {
	return middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(requests) / window.Seconds()),
		Burst:     requests,
		ExpiresIn: window,
	})
}
