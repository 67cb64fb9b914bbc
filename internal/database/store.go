package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool and exposes data helpers.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgx pool using the provided DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all database resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate ensures that all required tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  eth_address TEXT NOT NULL UNIQUE,
  btc_address TEXT NOT NULL UNIQUE,
  btc_balance NUMERIC NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_btc_address ON users(btc_address);

CREATE TABLE IF NOT EXISTS transactions (
  id BIGSERIAL PRIMARY KEY,
  eth_address TEXT NOT NULL,
  btc_address TEXT NOT NULL,
  tx_hash TEXT NOT NULL UNIQUE,
  amount NUMERIC NOT NULL,
  confirmations INT NOT NULL DEFAULT 0,
  block_height BIGINT,
  status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','confirmed')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_eth ON transactions(eth_address);
CREATE INDEX IF NOT EXISTS idx_transactions_btc ON transactions(btc_address);

CREATE TABLE IF NOT EXISTS trades (
  id UUID PRIMARY KEY,
  user_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  prediction TEXT NOT NULL CHECK (prediction IN ('up','down')),
  amount NUMERIC NOT NULL,
  duration_seconds INT NOT NULL,
  open_price NUMERIC NOT NULL,
  expected_return NUMERIC NOT NULL,
  status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','won','lost')),
  close_price NUMERIC,
  profit NUMERIC,
  resolves_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id);
CREATE INDEX IF NOT EXISTS idx_trades_due ON trades(resolves_at) WHERE status = 'open';
`
