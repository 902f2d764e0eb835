package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
)

// JanitorStore is the maintenance surface of the store.
type JanitorStore interface {
	RequeueStaleClaims(ctx context.Context, claimTimeout time.Duration) (int64, error)
	PruneSearchHistory(ctx context.Context, retention time.Duration) (int64, error)
}

// Janitor periodically requeues jobs abandoned by dead workers and prunes
// aged search history.
type Janitor struct {
	logger       *log.Logger
	store        JanitorStore
	schedule     *cronexpr.Expression
	claimTimeout time.Duration
	retention    time.Duration
}

// NewJanitor parses the cron schedule and builds a janitor.
func NewJanitor(logger *log.Logger, st JanitorStore, schedule string, claimTimeout, retention time.Duration) (*Janitor, error) {
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", schedule, err)
	}
	if claimTimeout <= 0 {
		claimTimeout = 10 * time.Minute
	}
	return &Janitor{logger: logger, store: st, schedule: expr, claimTimeout: claimTimeout, retention: retention}, nil
}

// Start blocks, running maintenance on the cron schedule until the context
// is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	for {
		next := j.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass.
func (j *Janitor) Sweep(ctx context.Context) {
	if n, err := j.store.RequeueStaleClaims(ctx, j.claimTimeout); err != nil {
		j.logger.Printf("error requeueing stale claims: %v", err)
	} else if n > 0 {
		staleRequeues.Add(float64(n))
		j.logger.Printf("requeued %d stale claims", n)
	}
	if j.retention > 0 {
		if n, err := j.store.PruneSearchHistory(ctx, j.retention); err != nil {
			j.logger.Printf("error pruning search history: %v", err)
		} else if n > 0 {
			j.logger.Printf("pruned %d search history rows", n)
		}
	}
}
