package trading

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Resolver periodically sweeps the trade ledger for due resolutions. A
// persisted resolves_at plus this sweep replaces in-memory timers, so a
// restart never loses a pending resolution.
type Resolver struct {
	service  *Service
	logger   *zap.Logger
	interval time.Duration
	closing  chan struct{}
	closed   chan struct{}
	started  bool
}

// NewResolver creates a sweep loop over the given service.
func NewResolver(service *Service, interval time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Resolver{
		service:  service,
		logger:   logger,
		interval: interval,
		closing:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Start launches the resolver loop.
func (r *Resolver) Start(ctx context.Context) {
	if r.started {
		return
	}
	r.started = true
	go r.loop(ctx)
}

// Stop requests graceful shutdown and waits for the loop to exit.
func (r *Resolver) Stop() {
	select {
	case <-r.closing:
	default:
		close(r.closing)
	}
	<-r.closed
}

func (r *Resolver) loop(ctx context.Context) {
	r.logger.Info("trade resolver started", zap.Duration("interval", r.interval))
	defer func() {
		close(r.closed)
		r.logger.Info("trade resolver stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closing:
			return
		case <-time.After(r.interval):
		}
		resolved, err := r.service.ResolveDue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger.Error("resolve sweep failed", zap.Error(err))
			}
			continue
		}
		if resolved > 0 {
			r.logger.Info("resolve sweep done", zap.Int("resolved", resolved))
		}
	}
}
