package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	env "github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config aggregates runtime configuration loaded from environment variables.
type Config struct {
	HTTPHost    string `env:"HOST" envDefault:"0.0.0.0"`
	HTTPPort    int    `env:"PORT" envDefault:"8090"`
	DatabaseURL string `env:"DATABASE_URL"`

	// MasterSeedHex is the HD master seed. When absent a fresh seed is
	// generated and logged, which is a prototype shortcut: every restart
	// then derives different addresses.
	MasterSeedHex string `env:"BTC_MASTER_SEED"`
	Testnet       bool   `env:"BTC_TESTNET" envDefault:"false"`

	ExplorerBaseURL string `env:"EXPLORER_BASE_URL"`

	AdminAPIKey    string   `env:"ADMIN_API_KEY"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	GlobalRateLimit   int           `env:"RATE_LIMIT_GLOBAL" envDefault:"1000"`
	WithdrawRateLimit int           `env:"RATE_LIMIT_WITHDRAW" envDefault:"5"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`

	// The two predecessor trade services disagreed on the win probability
	// (0.5 vs 0.6), so it stays configurable instead of hard-coded.
	WinProbability      float64       `env:"TRADE_WIN_PROBABILITY" envDefault:"0.5"`
	PayoutRate          float64       `env:"TRADE_PAYOUT_RATE" envDefault:"0.85"`
	ResolveInterval     time.Duration `env:"TRADE_RESOLVE_INTERVAL" envDefault:"2s"`
	WithdrawFailureRate float64       `env:"WITHDRAW_FAILURE_RATE" envDefault:"0.05"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	MasterSeed []byte `env:"-"`
}

// Load reads .env (when present) and the process environment, and
// finalizes the master seed.
func Load(logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.DatabaseURL == "" {
		dsn, err := databaseURLFromParts()
		if err != nil {
			return cfg, err
		}
		cfg.DatabaseURL = dsn
	}

	if cfg.MasterSeedHex != "" {
		seed, err := hex.DecodeString(cfg.MasterSeedHex)
		if err != nil {
			return cfg, fmt.Errorf("decode BTC_MASTER_SEED: %w", err)
		}
		cfg.MasterSeed = seed
	} else {
		seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
		if err != nil {
			return cfg, fmt.Errorf("generate master seed: %w", err)
		}
		cfg.MasterSeed = seed
		// Prototype behavior: surfacing the seed lets a developer pin it
		// via BTC_MASTER_SEED on the next run.
		logger.Warn("BTC_MASTER_SEED not set, generated an ephemeral seed",
			zap.String("seed_hex", hex.EncodeToString(seed)))
	}

	return cfg, nil
}

// Network selects the chain parameters for derivation and validation.
func (c Config) Network() *chaincfg.Params {
	if c.Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// NetworkName is the human-readable network selector used in responses.
func (c Config) NetworkName() string {
	if c.Testnet {
		return "testnet"
	}
	return "mainnet"
}

// ExplorerURL returns the configured explorer base, falling back to the
// public Blockstream endpoint for the selected network.
func (c Config) ExplorerURL() string {
	if c.ExplorerBaseURL != "" {
		return c.ExplorerBaseURL
	}
	if c.Testnet {
		return "https://blockstream.info/testnet/api"
	}
	return "https://blockstream.info/api"
}

func databaseURLFromParts() (string, error) {
	var (
		host = os.Getenv("PGHOST")
		user = os.Getenv("PGUSER")
		pass = os.Getenv("PGPASSWORD")
		name = os.Getenv("PGDATABASE")
	)
	port := os.Getenv("PGPORT")
	if port == "" {
		port = "5432"
	}
	if host == "" || user == "" || pass == "" || name == "" {
		return "", errors.New("DATABASE_URL or PG* variables must be provided")
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   name,
	}
	return u.String(), nil
}
