// Package scheduler runs the periodic background jobs of the commission
// engine: the hold-period auto-confirm sweep and the outbox relay.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"commissionflow/logger"
)

type Confirmer interface {
	AutoConfirmCommissions(ctx context.Context) (int, error)
}

type Deliverer interface {
	DeliverBatch(ctx context.Context) (int, error)
}

const (
	defaultInterval      = time.Hour
	defaultTimeout       = 5 * time.Minute
	defaultRelayInterval = 5 * time.Second
)

type Runner struct {
	confirmer     Confirmer
	relay         Deliverer
	interval      time.Duration
	timeout       time.Duration
	relayInterval time.Duration
}

func NewRunner(confirmer Confirmer) *Runner {
	return &Runner{
		confirmer:     confirmer,
		interval:      defaultInterval,
		timeout:       defaultTimeout,
		relayInterval: defaultRelayInterval,
	}
}

// WithInterval sets how often the auto-confirm sweep runs.
func (r *Runner) WithInterval(d time.Duration) *Runner {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithTimeout bounds a single sweep.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// WithRelay makes Run also drain the outbox every d.
func (r *Runner) WithRelay(relay Deliverer, d time.Duration) *Runner {
	r.relay = relay
	if d > 0 {
		r.relayInterval = d
	}
	return r
}

// RunOnce performs one auto-confirm sweep bounded by the configured timeout.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	n, err := r.confirmer.AutoConfirmCommissions(ctx)
	if err != nil {
		logger.Error("auto-confirm sweep failed", "confirmed", n, "error", err)
		return n, err
	}
	logger.Info("auto-confirm sweep done", "confirmed", n, "duration", time.Since(start))
	return n, nil
}

// Run executes a sweep immediately and then on every tick until ctx is done.
// A failed sweep is logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(ctx, r.interval, func() { _, _ = r.RunOnce(ctx) })
		return nil
	})
	if r.relay != nil {
		g.Go(func() error {
			every(ctx, r.relayInterval, func() { r.drain(ctx) })
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runner) drain(ctx context.Context) {
	for {
		n, err := r.relay.DeliverBatch(ctx)
		if err != nil {
			logger.Error("outbox relay failed", "error", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

func every(ctx context.Context, d time.Duration, fn func()) {
	fn()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
