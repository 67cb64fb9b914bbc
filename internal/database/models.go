package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction status values.
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
)

// Trade status values. A trade transitions open -> won|lost exactly once.
const (
	TradeStatusOpen = "open"
	TradeStatusWon  = "won"
	TradeStatusLost = "lost"
)

// User is the one-to-one mapping between an Ethereum address and its
// derived Bitcoin deposit address, plus the cached on-chain balance.
type User struct {
	ID          int64           `json:"id"`
	EthAddress  string          `json:"ethAddress"`
	BtcAddress  string          `json:"btcAddress"`
	BtcBalance  decimal.Decimal `json:"btcBalance"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Transaction is a ledger row for an observed on-chain deposit (or a
// synthetic withdrawal). tx_hash is the idempotency boundary.
type Transaction struct {
	ID            int64           `json:"id"`
	EthAddress    string          `json:"ethAddress"`
	BtcAddress    string          `json:"btcAddress"`
	TxHash        string          `json:"txHash"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	BlockHeight   *int64          `json:"blockHeight,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Trade is a binary-options bet with a persisted due time so that pending
// resolutions survive a process restart.
type Trade struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	Symbol          string           `json:"symbol"`
	Prediction      string           `json:"prediction"`
	Amount          decimal.Decimal  `json:"amount"`
	DurationSeconds int              `json:"duration"`
	OpenPrice       decimal.Decimal  `json:"openPrice"`
	ExpectedReturn  decimal.Decimal  `json:"expectedReturn"`
	Status          string           `json:"status"`
	ClosePrice      *decimal.Decimal `json:"closePrice,omitempty"`
	Profit          *decimal.Decimal `json:"profit,omitempty"`
	ResolvesAt      time.Time        `json:"resolvesAt"`
	CreatedAt       time.Time        `json:"createdAt"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
}
