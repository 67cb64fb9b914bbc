package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const userColumns = `id, eth_address, btc_address, btc_balance::text, created_at, last_updated`

const txColumns = `id, eth_address, btc_address, tx_hash, amount::text, confirmations, block_height, status, created_at`

const tradeColumns = `id, user_id, symbol, prediction, amount::text, duration_seconds, open_price::text,
	expected_return::text, status, close_price::text, profit::text, resolves_at, created_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

// UpsertUser inserts the eth->btc mapping or returns the existing row when
// the eth_address is already mapped. Insert-or-ignore is the contract:
// a repeated generate-address call must be a no-op.
func (s *Store) UpsertUser(ctx context.Context, ethAddress, btcAddress string) (*User, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO users (eth_address, btc_address)
		VALUES ($1,$2)
		ON CONFLICT (eth_address) DO NOTHING
		RETURNING `+userColumns,
		ethAddress, btcAddress,
	)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetUserByEthAddress(ctx, ethAddress)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("upsert user %s: conflict but no existing row", ethAddress)
		}
		return existing, nil
	}
	return u, err
}

func (s *Store) GetUserByEthAddress(ctx context.Context, ethAddress string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE eth_address = $1`, ethAddress)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUserByBtcAddress(ctx context.Context, btcAddress string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE btc_address = $1`, btcAddress)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	return result, rows.Err()
}

// UpdateBalance overwrites the cached balance with the explorer's
// authoritative figure.
func (s *Store) UpdateBalance(ctx context.Context, ethAddress string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET btc_balance = $2, last_updated = NOW() WHERE eth_address = $1`,
		ethAddress, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update balance: no mapping for %s", ethAddress)
	}
	return nil
}

// RecordTransactionParams describes a ledger row keyed by tx hash.
type RecordTransactionParams struct {
	EthAddress    string
	BtcAddress    string
	TxHash        string
	Amount        decimal.Decimal
	Confirmations int
	BlockHeight   *int64
	Status        string
}

// RecordTransaction inserts a transaction row or silently returns the
// existing one when the tx_hash was already recorded. The reconciliation
// loop observes the same on-chain transaction on every poll, so this must
// never error on a duplicate.
func (s *Store) RecordTransaction(ctx context.Context, params RecordTransactionParams) (*Transaction, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO transactions
			(eth_address, btc_address, tx_hash, amount, confirmations, block_height, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING `+txColumns,
		params.EthAddress, params.BtcAddress, params.TxHash, params.Amount.String(),
		params.Confirmations, optionalInt64(params.BlockHeight), params.Status,
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetTransactionByHash(ctx, params.TxHash)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("record transaction %s: conflict but no existing row", params.TxHash)
		}
		return existing, nil
	}
	return tx, err
}

func (s *Store) GetTransactionByHash(ctx context.Context, txHash string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE tx_hash = $1`, txHash)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, txHash, status string, confirmations int, blockHeight *int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE transactions
		SET status = $2, confirmations = $3, block_height = COALESCE($4, block_height)
		WHERE tx_hash = $1`,
		txHash, status, confirmations, optionalInt64(blockHeight))
	return err
}

func (s *Store) ListTransactionsByEthAddress(ctx context.Context, ethAddress string) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+txColumns+` FROM transactions
		WHERE eth_address = $1 ORDER BY created_at DESC`, ethAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *Store) ListTransactions(ctx context.Context) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+txColumns+` FROM transactions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// InsertTrade persists a freshly placed trade together with its due time.
func (s *Store) InsertTrade(ctx context.Context, t Trade) (*Trade, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO trades
			(id, user_id, symbol, prediction, amount, duration_seconds, open_price, expected_return, status, resolves_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+tradeColumns,
		t.ID, t.UserID, t.Symbol, t.Prediction, t.Amount.String(), t.DurationSeconds,
		t.OpenPrice.String(), t.ExpectedReturn.String(), TradeStatusOpen, t.ResolvesAt,
	)
	return scanTrade(row)
}

func (s *Store) GetTradeByID(ctx context.Context, id string) (*Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) ListTradesByUser(ctx context.Context, userID string) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (s *Store) ListTrades(ctx context.Context) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// NextDueTrade returns the oldest open trade whose due time has passed, or
// nil when nothing is due.
func (s *Store) NextDueTrade(ctx context.Context) (*Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE status = 'open' AND resolves_at <= NOW()
		ORDER BY resolves_at ASC
		LIMIT 1`)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ResolveTrade applies the single open -> won|lost transition. The status
// guard makes concurrent sweeps safe: the second resolver sees zero rows
// and gets nil back.
func (s *Store) ResolveTrade(ctx context.Context, id, status string, closePrice, profit decimal.Decimal) (*Trade, error) {
	row := s.pool.QueryRow(ctx, `UPDATE trades
		SET status = $2, close_price = $3, profit = $4, resolved_at = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING `+tradeColumns,
		id, status, closePrice.String(), profit.String())
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func scanUser(row scanner) (*User, error) {
	var u User
	var balance string
	if err := row.Scan(&u.ID, &u.EthAddress, &u.BtcAddress, &balance, &u.CreatedAt, &u.LastUpdated); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse btc_balance %q: %w", balance, err)
	}
	u.BtcBalance = parsed
	return &u, nil
}

func scanTransaction(row scanner) (*Transaction, error) {
	var tx Transaction
	var amount string
	var blockHeight sql.NullInt64
	if err := row.Scan(&tx.ID, &tx.EthAddress, &tx.BtcAddress, &tx.TxHash, &amount,
		&tx.Confirmations, &blockHeight, &tx.Status, &tx.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	tx.Amount = parsed
	tx.BlockHeight = nullableInt(blockHeight)
	return &tx, nil
}

func scanTrade(row scanner) (*Trade, error) {
	var t Trade
	var amount, openPrice, expectedReturn string
	var closePrice, profit sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Prediction, &amount, &t.DurationSeconds,
		&openPrice, &expectedReturn, &t.Status, &closePrice, &profit,
		&t.ResolvesAt, &t.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if t.OpenPrice, err = decimal.NewFromString(openPrice); err != nil {
		return nil, fmt.Errorf("parse open_price %q: %w", openPrice, err)
	}
	if t.ExpectedReturn, err = decimal.NewFromString(expectedReturn); err != nil {
		return nil, fmt.Errorf("parse expected_return %q: %w", expectedReturn, err)
	}
	if t.ClosePrice, err = nullableDecimal(closePrice); err != nil {
		return nil, err
	}
	if t.Profit, err = nullableDecimal(profit); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		t.ResolvedAt = &at
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	result := make([]Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *tx)
	}
	return result, rows.Err()
}

func collectTrades(rows pgx.Rows) ([]Trade, error) {
	result := make([]Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	val := v.Int64
	return &val
}

func nullableDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse numeric %q: %w", v.String, err)
	}
	return &parsed, nil
}

func optionalInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
