package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/metrics"
	"github.com/examgate/proctor-control-plane/internal/model"
)

type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

type Reconciler interface {
	ReconcileOrphans(ctx context.Context, grace time.Duration) (int, error)
}

type Store interface {
	ListFreeMachines(ctx context.Context) ([]model.Machine, error)
}

type Options struct {
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	OrphanGrace       time.Duration
	// ResyncInterval of zero disables the inventory job.
	ResyncInterval time.Duration
	Resync         func(context.Context) error
	Clock          clockwork.Clock
}

type Runner struct {
	expirer    Expirer
	reconciler Reconciler
	store      Store
	opts       Options
	log        *zap.Logger
	wg         sync.WaitGroup
}

func NewRunner(expirer Expirer, reconciler Reconciler, store Store, opts Options, log *zap.Logger) *Runner {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{expirer: expirer, reconciler: reconciler, store: store, opts: opts, log: log.Named("jobs")}
}

// Start runs every job until ctx is cancelled. Call Wait before closing
// anything the jobs use.
func (r *Runner) Start(ctx context.Context) {
	r.spawn(ctx, "expire_overdue_sessions", r.opts.SweepInterval, r.ExpireOverdue)
	r.spawn(ctx, "release_orphaned_machines", r.opts.ReconcileInterval, r.ReleaseOrphans)
	if r.opts.ResyncInterval > 0 && r.opts.Resync != nil {
		r.spawn(ctx, "inventory_resync", r.opts.ResyncInterval, r.opts.Resync)
	}
}

// Wait blocks until every job loop started by Start has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) spawn(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runEvery(ctx, name, interval, fn)
	}()
}

func (r *Runner) ExpireOverdue(ctx context.Context) error {
	n, err := r.expirer.ExpireOverdue(ctx)
	if n > 0 {
		r.log.Info("overdue_sessions_expired", zap.Int("count", n))
	}
	return err
}

// ReleaseOrphans frees machines left behind by failed releases and
// refreshes the free-capacity gauge.
func (r *Runner) ReleaseOrphans(ctx context.Context) error {
	n, err := r.reconciler.ReconcileOrphans(ctx, r.opts.OrphanGrace)
	if n > 0 {
		r.log.Warn("orphaned_machines_released", zap.Int("count", n))
	}
	if err != nil {
		return err
	}
	free, err := r.store.ListFreeMachines(ctx)
	if err != nil {
		return err
	}
	metrics.Default().SetGauge("proctor_pool_free_machines", float64(len(free)), nil)
	return nil
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := r.opts.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := r.opts.Clock.Now()
	err := fn(ctx)
	durMs := float64(r.opts.Clock.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		r.log.Warn("job_run", zap.String("name", name), zap.String("status", "error"), zap.Int64("duration_ms", int64(durMs)), zap.Error(err))
		labels["status"] = "error"
	} else {
		r.log.Debug("job_run", zap.String("name", name), zap.String("status", "ok"), zap.Int64("duration_ms", int64(durMs)))
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("proctor_job_runs_total", labels)
	metrics.Default().ObserveHistogram("proctor_job_duration_ms", durMs, map[string]string{"job": name})
}
