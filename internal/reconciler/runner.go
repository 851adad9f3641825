package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"robotfleet/internal/engine"
)

// Reconciler is the part of the engine the runner drives.
type Reconciler interface {
	Reconcile(ctx context.Context) (engine.ReconcileSummary, error)
	SweepExpiredLicences(ctx context.Context) (engine.ReconcileSummary, error)
}

// Runner executes reconciliation passes in the background, one at a time.
// Passes run on a fixed interval and whenever Trigger is called; triggers that
// arrive while a pass is running collapse into a single follow-up pass.
type Runner struct {
	rec      Reconciler
	interval time.Duration
	logger   *zap.Logger
	trigger  chan struct{}

	mu      sync.Mutex
	last    engine.ReconcileSummary
	lastErr error
	runs    int
}

// New creates a runner. An interval of zero disables periodic passes.
func New(rec Reconciler, interval time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		rec:      rec,
		interval: interval,
		logger:   logger.Named("reconciler"),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a pass without blocking.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Startup sweeps expired licences once. It is meant to run before serving.
func (r *Runner) Startup(ctx context.Context) error {
	s, err := r.rec.SweepExpiredLicences(ctx)
	if err != nil {
		r.logger.Error("startup licence sweep failed", zap.Error(err))
		return err
	}
	r.logger.Info("startup licence sweep", zap.String("run_id", s.RunID), zap.Int("licences_updated", s.LicencesUpdated), zap.Int("robots_downgraded", s.RobotsDowngraded))
	return nil
}

// Start runs passes until the context is cancelled. A pass in flight or
// triggered when ctx is cancelled runs to completion before Start returns.
// It blocks and should typically be run in a separate goroutine.
func (r *Runner) Start(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-tick:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		case <-ctx.Done():
			// a trigger accepted before shutdown still gets its pass
			select {
			case <-r.trigger:
				r.runOnce(ctx)
			default:
			}
			r.logger.Debug("reconciler stopped")
			return
		}
	}
}

// Last returns the outcome of the most recent pass and how many passes ran.
func (r *Runner) Last() (engine.ReconcileSummary, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.runs, r.lastErr
}

// runOnce completes a started pass even when ctx is cancelled meanwhile.
func (r *Runner) runOnce(ctx context.Context) {
	s, err := r.rec.Reconcile(context.WithoutCancel(ctx))
	if err != nil {
		r.logger.Warn("background pass failed", zap.String("run_id", s.RunID), zap.Error(err))
	}
	r.mu.Lock()
	r.last, r.lastErr = s, err
	r.runs++
	r.mu.Unlock()
}
