package deposit

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/qtosh1/btc-gateway/internal/database"
	"github.com/qtosh1/btc-gateway/internal/explorer"
	"github.com/qtosh1/btc-gateway/internal/hdwallet"
)

// ErrUserNotFound signals that no deposit address was ever generated for
// the Ethereum address. Callers must hit generate-address first.
var ErrUserNotFound = errors.New("deposit: ethereum address is not mapped")

// Bounded reconciliation window: only the most recent transactions are
// upserted into the ledger; the cached balance always comes from the
// explorer's authoritative figure.
const defaultRecentWindow = 5

// confirmedCount is the coarse confirmation figure recorded for any
// transaction the explorer reports as confirmed.
const confirmedCount = 6

// Store captures the ledger operations the reconciliation flow needs.
type Store interface {
	GetUserByEthAddress(ctx context.Context, ethAddress string) (*database.User, error)
	UpsertUser(ctx context.Context, ethAddress, btcAddress string) (*database.User, error)
	GetTransactionByHash(ctx context.Context, txHash string) (*database.Transaction, error)
	RecordTransaction(ctx context.Context, params database.RecordTransactionParams) (*database.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, txHash, status string, confirmations int, blockHeight *int64) error
	UpdateBalance(ctx context.Context, ethAddress string, balance decimal.Decimal) error
	ListTransactionsByEthAddress(ctx context.Context, ethAddress string) ([]database.Transaction, error)
}

// Explorer captures the block-explorer reads the reconciliation flow needs.
type Explorer interface {
	GetAddressInfo(ctx context.Context, address string) (*explorer.AddressInfo, error)
	GetAddressTxs(ctx context.Context, address string) ([]explorer.Tx, error)
	GetTransactionConfirmations(ctx context.Context, txHash string) int64
}

// Service orchestrates the deriver, the explorer and the ledger: it hands
// out deterministic deposit addresses and refreshes cached balances and
// transaction history on demand.
type Service struct {
	deriver  *hdwallet.Deriver
	explorer Explorer
	store    Store
	logger   *zap.Logger
	window   int
}

// NewService wires a reconciliation service.
func NewService(deriver *hdwallet.Deriver, exp Explorer, store Store, logger *zap.Logger) (*Service, error) {
	if deriver == nil {
		return nil, errors.New("deriver is required")
	}
	if exp == nil {
		return nil, errors.New("explorer is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		deriver:  deriver,
		explorer: exp,
		store:    store,
		logger:   logger,
		window:   defaultRecentWindow,
	}, nil
}

// GeneratedAddress is the result of a generate-address call.
type GeneratedAddress struct {
	User           *database.User
	DerivationPath string
}

// GenerateAddress derives the deterministic deposit address for an
// Ethereum address and upserts the mapping. Repeated calls for the same
// address return the existing mapping unchanged.
func (s *Service) GenerateAddress(ctx context.Context, ethAddress string) (*GeneratedAddress, error) {
	normalized := normalizeEth(ethAddress)

	derivation, err := s.deriver.Derive(normalized)
	if err != nil {
		return nil, errors.Wrap(err, "derive deposit address")
	}

	user, err := s.store.UpsertUser(ctx, normalized, derivation.Address)
	if err != nil {
		return nil, errors.Wrap(err, "upsert user mapping")
	}
	if user.BtcAddress != derivation.Address {
		// Existing mapping wins; the derivation is deterministic so this
		// only happens if the master seed changed underneath the ledger.
		s.logger.Warn("stored mapping disagrees with derivation",
			zap.String("eth_address", normalized),
			zap.String("stored", user.BtcAddress),
			zap.String("derived", derivation.Address))
	}

	s.logger.Info("deposit address ready",
		zap.String("eth_address", normalized),
		zap.String("btc_address", user.BtcAddress),
		zap.String("path", derivation.Path))

	return &GeneratedAddress{User: user, DerivationPath: derivation.Path}, nil
}

// DepositStatus is the reconciled view of a user's deposit address.
// Amounts are in BTC.
type DepositStatus struct {
	Balance            decimal.Decimal        `json:"balance"`
	TotalReceived      decimal.Decimal        `json:"totalReceived"`
	TotalSent          decimal.Decimal        `json:"totalSent"`
	TransactionCount   int64                  `json:"transactionCount"`
	RecentTransactions []database.Transaction `json:"recentTransactions"`
}

// CheckDeposit refreshes the cached balance and transaction history for a
// user from the explorer, then returns the reconciled view. Each call is
// all-or-nothing: any explorer failure propagates and no partial result is
// returned.
func (s *Service) CheckDeposit(ctx context.Context, ethAddress string) (*DepositStatus, error) {
	normalized := normalizeEth(ethAddress)

	user, err := s.store.GetUserByEthAddress(ctx, normalized)
	if err != nil {
		return nil, errors.Wrap(err, "load user mapping")
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	info, err := s.explorer.GetAddressInfo(ctx, user.BtcAddress)
	if err != nil {
		return nil, errors.Wrap(err, "reconcile: address info")
	}
	txs, err := s.explorer.GetAddressTxs(ctx, user.BtcAddress)
	if err != nil {
		return nil, errors.Wrap(err, "reconcile: address transactions")
	}
	if len(txs) > s.window {
		txs = txs[:s.window]
	}

	recent := make([]database.Transaction, 0, len(txs))
	for _, tx := range txs {
		row, err := s.reconcileTx(ctx, user, tx)
		if err != nil {
			return nil, err
		}
		if row != nil {
			recent = append(recent, *row)
		}
	}

	balance := satoshisToBTC(info.BalanceSatoshis())
	if err := s.store.UpdateBalance(ctx, normalized, balance); err != nil {
		return nil, errors.Wrap(err, "update cached balance")
	}

	return &DepositStatus{
		Balance:            balance,
		TotalReceived:      satoshisToBTC(info.FundedSatoshis),
		TotalSent:          satoshisToBTC(info.SpentSatoshis),
		TransactionCount:   info.TxCount,
		RecentTransactions: recent,
	}, nil
}

// reconcileTx upserts one observed transaction. Deposit-only accounting:
// the amount is the sum of outputs paying the user's address; inputs and
// unrelated outputs are ignored. Transactions that pay the user nothing
// (outgoing spends) are skipped.
func (s *Service) reconcileTx(ctx context.Context, user *database.User, tx explorer.Tx) (*database.Transaction, error) {
	var amountSat int64
	for _, out := range tx.Vout {
		if out.ScriptPubKeyAddress == user.BtcAddress {
			amountSat += out.Value
		}
	}
	if amountSat == 0 {
		return nil, nil
	}

	status := database.TxStatusPending
	confirmations := 0
	if tx.Status.Confirmed {
		status = database.TxStatusConfirmed
		confirmations = confirmedCount
	}

	existing, err := s.store.GetTransactionByHash(ctx, tx.TxID)
	if err != nil {
		return nil, errors.Wrap(err, "lookup transaction")
	}
	if existing == nil {
		row, err := s.store.RecordTransaction(ctx, database.RecordTransactionParams{
			EthAddress:    user.EthAddress,
			BtcAddress:    user.BtcAddress,
			TxHash:        tx.TxID,
			Amount:        satoshisToBTC(amountSat),
			Confirmations: confirmations,
			BlockHeight:   tx.Status.BlockHeight,
			Status:        status,
		})
		if err != nil {
			return nil, errors.Wrap(err, "record transaction")
		}
		s.logger.Info("new deposit recorded",
			zap.String("eth_address", user.EthAddress),
			zap.String("tx_hash", tx.TxID),
			zap.String("amount_btc", row.Amount.String()),
			zap.String("status", status))
		return row, nil
	}

	if existing.Status == database.TxStatusPending && status == database.TxStatusConfirmed {
		if err := s.store.UpdateTransactionStatus(ctx, tx.TxID, status, confirmations, tx.Status.BlockHeight); err != nil {
			return nil, errors.Wrap(err, "update transaction status")
		}
		existing.Status = status
		existing.Confirmations = confirmations
		existing.BlockHeight = tx.Status.BlockHeight
	}
	return existing, nil
}

// GetUser returns the stored mapping, or ErrUserNotFound.
func (s *Service) GetUser(ctx context.Context, ethAddress string) (*database.User, error) {
	user, err := s.store.GetUserByEthAddress(ctx, normalizeEth(ethAddress))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// ListTransactions returns the ledger history for a mapped address.
func (s *Service) ListTransactions(ctx context.Context, ethAddress string) ([]database.Transaction, error) {
	normalized := normalizeEth(ethAddress)
	user, err := s.store.GetUserByEthAddress(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return s.store.ListTransactionsByEthAddress(ctx, normalized)
}

// TransactionDetail is a ledger row plus the explorer's best-effort live
// confirmation count.
type TransactionDetail struct {
	Transaction       database.Transaction `json:"transaction"`
	LiveConfirmations int64                `json:"liveConfirmations"`
}

// GetTransaction looks up one ledger transaction by hash, decorated with
// the live confirmation count (0 when the explorer is unreachable).
func (s *Service) GetTransaction(ctx context.Context, txHash string) (*TransactionDetail, error) {
	row, err := s.store.GetTransactionByHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return &TransactionDetail{
		Transaction:       *row,
		LiveConfirmations: s.explorer.GetTransactionConfirmations(ctx, txHash),
	}, nil
}

func normalizeEth(ethAddress string) string {
	return strings.ToLower(strings.TrimSpace(ethAddress))
}

func satoshisToBTC(sat int64) decimal.Decimal {
	return decimal.NewFromInt(sat).Shift(-8)
}
