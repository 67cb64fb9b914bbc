package withdraw

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/qtosh1/btc-gateway/internal/database"
)

// Withdrawal amount bounds in BTC.
var (
	MinAmount = decimal.RequireFromString("0.00001")
	MaxAmount = decimal.NewFromInt(100)
)

// Validation and simulation failure modes, first violation wins.
var (
	ErrInvalidAddress      = errors.New("withdraw: invalid bitcoin address")
	ErrAmountOutOfRange    = errors.New("withdraw: amount out of range")
	ErrUserNotFound        = errors.New("withdraw: ethereum address is not mapped")
	ErrInsufficientBalance = errors.New("withdraw: insufficient balance")
	// ErrNetworkFailure is an injected fault simulating an upstream
	// broadcast failure. It fires before any balance mutation.
	ErrNetworkFailure = errors.New("withdraw: simulated network failure")
)

// Store captures the ledger operations the withdrawal path needs.
type Store interface {
	GetUserByEthAddress(ctx context.Context, ethAddress string) (*database.User, error)
	UpdateBalance(ctx context.Context, ethAddress string, balance decimal.Decimal) error
	RecordTransaction(ctx context.Context, params database.RecordTransactionParams) (*database.Transaction, error)
}

// AddressValidator reports whether a destination address is well-formed
// for the configured network.
type AddressValidator interface {
	ValidateAddress(candidate string) bool
}

// Service validates and simulates withdrawals. Nothing is broadcast: the
// returned transaction hash is synthetic and the injected failure rate
// exists to exercise failure-path UI.
type Service struct {
	store       Store
	validator   AddressValidator
	logger      *zap.Logger
	failureRate float64
	roll        func() float64
}

// NewService wires a withdrawal simulator. failureRate is the probability
// in [0,1) that a validated withdrawal still fails; 0 disables injection.
func NewService(store Store, validator AddressValidator, failureRate float64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if validator == nil {
		return nil, errors.New("address validator is required")
	}
	if failureRate < 0 || failureRate >= 1 {
		return nil, errors.Errorf("failure rate %v outside [0,1)", failureRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		validator:   validator,
		logger:      logger,
		failureRate: failureRate,
		roll:        rand.Float64,
	}, nil
}

// Receipt is the outcome of a successful simulated withdrawal.
type Receipt struct {
	TransactionHash string          `json:"transactionHash"`
	NewBalance      decimal.Decimal `json:"newBalance"`
}

// Withdraw validates the request against the cached balance and simulates
// execution. Validation is fail-fast; the cached balance is never driven
// below zero.
func (s *Service) Withdraw(ctx context.Context, ethAddress, btcAddress string, amount decimal.Decimal) (*Receipt, error) {
	if !s.validator.ValidateAddress(btcAddress) {
		return nil, ErrInvalidAddress
	}
	if amount.LessThan(MinAmount) || amount.GreaterThan(MaxAmount) {
		return nil, ErrAmountOutOfRange
	}

	normalized := strings.ToLower(strings.TrimSpace(ethAddress))
	user, err := s.store.GetUserByEthAddress(ctx, normalized)
	if err != nil {
		return nil, errors.Wrap(err, "load user mapping")
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.BtcBalance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	if s.failureRate > 0 && s.roll() < s.failureRate {
		s.logger.Warn("withdrawal failed by injected fault",
			zap.String("eth_address", normalized),
			zap.String("amount", amount.String()))
		return nil, ErrNetworkFailure
	}

	newBalance := user.BtcBalance.Sub(amount)
	if err := s.store.UpdateBalance(ctx, normalized, newBalance); err != nil {
		return nil, errors.Wrap(err, "decrement balance")
	}

	txHash, err := syntheticTxHash()
	if err != nil {
		return nil, errors.Wrap(err, "generate transaction hash")
	}
	if _, err := s.store.RecordTransaction(ctx, database.RecordTransactionParams{
		EthAddress:    normalized,
		BtcAddress:    btcAddress,
		TxHash:        txHash,
		Amount:        amount.Neg(),
		Confirmations: 0,
		Status:        database.TxStatusPending,
	}); err != nil {
		return nil, errors.Wrap(err, "record withdrawal")
	}

	s.logger.Info("withdrawal simulated",
		zap.String("eth_address", normalized),
		zap.String("to", btcAddress),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash))

	return &Receipt{TransactionHash: txHash, NewBalance: newBalance}, nil
}

func syntheticTxHash() (string, error) {
	buf := make([]byte, 32)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
