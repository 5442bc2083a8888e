package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically removes idle sessions from a store.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. Non-positive ttl and interval default to
// 2h and 5m.
func NewSweeper(store Store, ttl, interval time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("session sweep failed", "error", err)
		}
	}
}

// RunOnce performs one sweep and returns the number of removed sessions.
func (w *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := w.store.Sweep(ctx, w.ttl)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info("expired sessions removed", "count", n, "ttl", w.ttl)
	}
	return n, nil
}
