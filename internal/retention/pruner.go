// Package retention prunes old entries from the exchange log.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExchangeDeleter abstracts the exchange log operation the pruner needs.
type ExchangeDeleter interface {
	DeleteExchangesBefore(cutoff time.Time) (int64, error)
}

// Pruner periodically deletes exchanges older than the retention window.
type Pruner struct {
	store     ExchangeDeleter
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewPruner creates a Pruner. If interval is <= 0, it defaults to one hour.
// A retention <= 0 disables pruning: RunOnce becomes a no-op.
func NewPruner(store ExchangeDeleter, retention, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Run prunes once immediately and then every interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.Error("retention pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// RunOnce deletes exchanges older than the retention window and returns the
// number removed.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoff := p.now().Add(-p.retention)
	n, err := p.store.DeleteExchangesBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning exchanges before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		p.logger.Info("pruned exchange log", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
