package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/api"
	"github.com/examgate/proctor-control-plane/internal/backend"
	"github.com/examgate/proctor-control-plane/internal/config"
	"github.com/examgate/proctor-control-plane/internal/events"
	"github.com/examgate/proctor-control-plane/internal/hypervisor"
	"github.com/examgate/proctor-control-plane/internal/jobs"
	"github.com/examgate/proctor-control-plane/internal/model"
	"github.com/examgate/proctor-control-plane/internal/monitor"
	"github.com/examgate/proctor-control-plane/internal/pool"
	"github.com/examgate/proctor-control-plane/internal/session"
	"github.com/examgate/proctor-control-plane/internal/token"
	"github.com/examgate/proctor-control-plane/internal/tracing"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "proctor-api", cfg.TraceOutput)
	if err != nil {
		log.Fatal("init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, closeStore, err := backend.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	if err := backend.SyncInventory(ctx, st, cfg.InventoryFile, log); err != nil {
		log.Fatal("sync inventory", zap.Error(err))
	}

	issuer, err := token.NewIssuer([]byte(cfg.GatewayCryptKey), cfg.Token.Options())
	if err != nil {
		log.Fatal("init token issuer", zap.Error(err))
	}
	stopper, err := newStopper(ctx, cfg, log)
	if err != nil {
		log.Fatal("init hypervisor", zap.Error(err))
	}

	mon := monitor.New(st, cfg.SnapshotRefresh, nil, log)
	pub, closePub, err := newPublisher(cfg, log, func(ev model.MachineReleased) {
		// the snapshot should show freed capacity without waiting a refresh
		mon.Invalidate(ev.ExamID)
	})
	if err != nil {
		log.Fatal("init publisher", zap.Error(err))
	}
	defer closePub()

	pl := pool.New(st, nil, log)
	mgr := session.NewManager(st, pl, issuer, stopper, pub, session.Options{
		Logger:      log,
		StopTimeout: cfg.HypervisorStopTimeout,
	})
	defer mgr.Close()

	if cfg.InProcessJobs || cfg.Store == "badger" {
		runner := jobs.NewRunner(mgr, mgr, st, jobs.Options{
			SweepInterval:     cfg.SweepInterval,
			ReconcileInterval: cfg.ReconcileInterval,
			OrphanGrace:       cfg.OrphanGrace,
		}, log)
		runner.Start(ctx)
		defer runner.Wait()
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(cfg, mgr, mon, st, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("proctor-control-plane listening", zap.String("addr", cfg.ListenAddr), zap.String("store", cfg.Store))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if cfg.LogDev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func newStopper(ctx context.Context, cfg config.Config, log *zap.Logger) (hypervisor.Stopper, error) {
	if cfg.Hypervisor == "aws" {
		return hypervisor.NewAWSStopper(ctx, hypervisor.AWSOptions{Region: cfg.AWSRegion, Hibernate: cfg.AWSHibernate}, log)
	}
	return hypervisor.NewFake(), nil
}

// newPublisher picks NATS when a URL is configured and the in-process bus
// otherwise. onRelease is subscribed either way.
func newPublisher(cfg config.Config, log *zap.Logger, onRelease events.Handler) (events.Publisher, func(), error) {
	if cfg.NATSURL == "" {
		bus := events.NewBus(log)
		bus.Subscribe(onRelease)
		return bus, bus.Close, nil
	}
	nc, err := events.NewNATSPublisher(cfg.NATSURL, cfg.ReleaseSubject, log)
	if err != nil {
		return nil, nil, err
	}
	unsubscribe, err := nc.Subscribe(onRelease)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, func() {
		_ = unsubscribe()
		nc.Close()
	}, nil
}
