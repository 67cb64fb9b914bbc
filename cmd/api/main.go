package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/qtosh1/btc-gateway/internal/config"
	"github.com/qtosh1/btc-gateway/internal/database"
	"github.com/qtosh1/btc-gateway/internal/deposit"
	"github.com/qtosh1/btc-gateway/internal/explorer"
	"github.com/qtosh1/btc-gateway/internal/hdwallet"
	"github.com/qtosh1/btc-gateway/internal/server"
	"github.com/qtosh1/btc-gateway/internal/trading"
	"github.com/qtosh1/btc-gateway/internal/withdraw"
	"github.com/qtosh1/btc-gateway/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	store, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	deriver, err := hdwallet.NewDeriver(cfg.MasterSeed, cfg.Network())
	if err != nil {
		logger.Fatal("init deriver", zap.Error(err))
	}

	expl := explorer.NewClient(explorer.Config{BaseURL: cfg.ExplorerURL()})

	deposits, err := deposit.NewService(deriver, expl, store, logger.Named("deposit"))
	if err != nil {
		logger.Fatal("init deposit service", zap.Error(err))
	}

	withdrawals, err := withdraw.NewService(store, deriver, cfg.WithdrawFailureRate, logger.Named("withdraw"))
	if err != nil {
		logger.Fatal("init withdraw service", zap.Error(err))
	}

	hub := ws.NewHub(logger.Named("ws"), nil)
	defer hub.Close()

	trades, err := trading.NewService(store, hub, trading.Config{
		WinProbability: cfg.WinProbability,
		PayoutRate:     decimal.NewFromFloat(cfg.PayoutRate),
	}, logger.Named("trading"))
	if err != nil {
		logger.Fatal("init trading service", zap.Error(err))
	}

	resolver := trading.NewResolver(trades, cfg.ResolveInterval, logger.Named("resolver"))
	resolver.Start(ctx)
	defer resolver.Stop()

	srv := server.New(server.Options{
		Config:      cfg,
		Logger:      logger.Named("http"),
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Trades:      trades,
		Admin:       store,
		Explorer:    expl,
		Hub:         hub,
	})
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("start server", zap.Error(err))
	}
}
