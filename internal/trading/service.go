package trading

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/qtosh1/btc-gateway/internal/database"
)

// ErrInvalidTrade marks a rejected trade placement.
var ErrInvalidTrade = errors.New("trading: invalid trade")

// Duration bounds for a trade, in seconds.
const (
	MinDurationSeconds = 10
	MaxDurationSeconds = 86400
)

// Largest single price step applied when simulating the close price, as a
// fraction of the open price.
const maxDriftFraction = 0.01

// Store captures the trade-ledger operations the simulator needs.
type Store interface {
	InsertTrade(ctx context.Context, t database.Trade) (*database.Trade, error)
	GetTradeByID(ctx context.Context, id string) (*database.Trade, error)
	ListTradesByUser(ctx context.Context, userID string) ([]database.Trade, error)
	ListTrades(ctx context.Context) ([]database.Trade, error)
	NextDueTrade(ctx context.Context) (*database.Trade, error)
	ResolveTrade(ctx context.Context, id, status string, closePrice, profit decimal.Decimal) (*database.Trade, error)
}

// Broadcaster pushes resolved trades to real-time subscribers.
type Broadcaster interface {
	Broadcast(event any)
}

// Config tunes the simulator. The win probability is deliberately a knob:
// the business has not settled on a single figure, so it must never be
// hard-coded.
type Config struct {
	WinProbability float64
	PayoutRate     decimal.Decimal
}

// Service accepts binary-options bets and resolves them once their due
// time passes. Resolution is driven by a periodic sweep over persisted due
// times, so pending trades survive a process restart.
type Service struct {
	store     Store
	broadcast Broadcaster
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
	roll      func() float64
}

// NewService wires a trade simulator.
func NewService(store Store, broadcast Broadcaster, cfg Config, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.WinProbability < 0 || cfg.WinProbability > 1 {
		return nil, errors.Errorf("win probability %v outside [0,1]", cfg.WinProbability)
	}
	if cfg.PayoutRate.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("payout rate must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		broadcast: broadcast,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		roll:      rand.Float64,
	}, nil
}

// PlaceRequest is a bet: symbol, direction, stake, duration and the open
// price observed by the caller.
type PlaceRequest struct {
	UserID          string
	Symbol          string
	Prediction      string
	Amount          decimal.Decimal
	DurationSeconds int
	OpenPrice       decimal.Decimal
}

func (r PlaceRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.Wrap(ErrInvalidTrade, "user id is required")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.Wrap(ErrInvalidTrade, "symbol is required")
	}
	prediction := strings.ToLower(strings.TrimSpace(r.Prediction))
	if prediction != "up" && prediction != "down" {
		return errors.Wrap(ErrInvalidTrade, "prediction must be up or down")
	}
	if r.Amount.LessThanOrEqual(decimal.Zero) {
		return errors.Wrap(ErrInvalidTrade, "amount must be positive")
	}
	if r.DurationSeconds < MinDurationSeconds || r.DurationSeconds > MaxDurationSeconds {
		return errors.Wrapf(ErrInvalidTrade, "duration must be between %d and %d seconds",
			MinDurationSeconds, MaxDurationSeconds)
	}
	if r.OpenPrice.LessThanOrEqual(decimal.Zero) {
		return errors.Wrap(ErrInvalidTrade, "open price must be positive")
	}
	return nil
}

// PlaceTrade validates and persists a new open trade with its due time.
func (s *Service) PlaceTrade(ctx context.Context, req PlaceRequest) (*database.Trade, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	trade := database.Trade{
		ID:              uuid.NewString(),
		UserID:          strings.TrimSpace(req.UserID),
		Symbol:          strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Prediction:      strings.ToLower(strings.TrimSpace(req.Prediction)),
		Amount:          req.Amount,
		DurationSeconds: req.DurationSeconds,
		OpenPrice:       req.OpenPrice,
		ExpectedReturn:  req.Amount.Mul(s.cfg.PayoutRate),
		ResolvesAt:      s.now().Add(time.Duration(req.DurationSeconds) * time.Second),
	}

	row, err := s.store.InsertTrade(ctx, trade)
	if err != nil {
		return nil, errors.Wrap(err, "insert trade")
	}

	s.logger.Info("trade placed",
		zap.String("trade_id", row.ID),
		zap.String("user_id", row.UserID),
		zap.String("symbol", row.Symbol),
		zap.String("prediction", row.Prediction),
		zap.String("amount", row.Amount.String()),
		zap.Int("duration_s", row.DurationSeconds))
	return row, nil
}

// GetTrade returns one trade, or nil if unknown.
func (s *Service) GetTrade(ctx context.Context, id string) (*database.Trade, error) {
	return s.store.GetTradeByID(ctx, id)
}

// ListTrades returns a user's trades, newest first.
func (s *Service) ListTrades(ctx context.Context, userID string) ([]database.Trade, error) {
	return s.store.ListTradesByUser(ctx, userID)
}

// ResolveDue resolves every open trade whose due time has passed. Each
// trade transitions open -> won|lost exactly once; the store's status
// guard makes a concurrent sweep lose the race silently.
func (s *Service) ResolveDue(ctx context.Context) (int, error) {
	resolved := 0
	for {
		trade, err := s.store.NextDueTrade(ctx)
		if err != nil {
			return resolved, errors.Wrap(err, "next due trade")
		}
		if trade == nil {
			return resolved, nil
		}

		won := s.roll() < s.cfg.WinProbability
		status := database.TradeStatusLost
		profit := trade.Amount.Neg()
		if won {
			status = database.TradeStatusWon
			profit = trade.ExpectedReturn
		}
		closePrice := s.simulateClosePrice(trade, won)

		row, err := s.store.ResolveTrade(ctx, trade.ID, status, closePrice, profit)
		if err != nil {
			return resolved, errors.Wrap(err, "resolve trade")
		}
		if row == nil {
			// Another sweep got there first.
			continue
		}
		resolved++

		s.logger.Info("trade resolved",
			zap.String("trade_id", row.ID),
			zap.String("status", row.Status),
			zap.String("close_price", closePrice.String()),
			zap.String("profit", profit.String()))

		if s.broadcast != nil {
			s.broadcast.Broadcast(TradeResolvedEvent{Type: "trade_resolved", Trade: *row})
		}
	}
}

// TradeResolvedEvent is pushed to websocket subscribers on resolution.
type TradeResolvedEvent struct {
	Type  string         `json:"type"`
	Trade database.Trade `json:"trade"`
}

// simulateClosePrice walks the open price by a bounded random step in the
// direction implied by the outcome: a won "up" bet closes above the open,
// a lost one below, and symmetrically for "down".
func (s *Service) simulateClosePrice(trade *database.Trade, won bool) decimal.Decimal {
	fraction := (0.1 + 0.9*s.roll()) * maxDriftFraction
	step := trade.OpenPrice.Mul(decimal.NewFromFloat(fraction))

	up := trade.Prediction == "up"
	if up == won {
		return trade.OpenPrice.Add(step).Round(8)
	}
	return trade.OpenPrice.Sub(step).Round(8)
}
