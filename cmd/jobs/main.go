package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/backend"
	"github.com/examgate/proctor-control-plane/internal/config"
	"github.com/examgate/proctor-control-plane/internal/events"
	"github.com/examgate/proctor-control-plane/internal/hypervisor"
	"github.com/examgate/proctor-control-plane/internal/jobs"
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
	log, err := zap.NewProduction()
	if cfg.LogDev {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		log = zap.NewNop()
	}
	defer func() { _ = log.Sync() }()

	if cfg.Store == "badger" {
		log.Fatal("the badger store is single-process; set PROCTOR_STORE=postgres or let the api run jobs in-process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "proctor-jobs", cfg.TraceOutput)
	if err != nil {
		log.Fatal("init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, closeStore, err := backend.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	issuer, err := token.NewIssuer([]byte(cfg.GatewayCryptKey), cfg.Token.Options())
	if err != nil {
		log.Fatal("init token issuer", zap.Error(err))
	}
	var stopper hypervisor.Stopper = hypervisor.NewFake()
	if cfg.Hypervisor == "aws" {
		stopper, err = hypervisor.NewAWSStopper(ctx, hypervisor.AWSOptions{Region: cfg.AWSRegion, Hibernate: cfg.AWSHibernate}, log)
		if err != nil {
			log.Fatal("init hypervisor", zap.Error(err))
		}
	}
	var pub events.Publisher = events.NewBus(log)
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATSURL, cfg.ReleaseSubject, log)
		if err != nil {
			log.Fatal("connect nats", zap.Error(err))
		}
		pub = nc
	}
	defer pub.Close()

	// deadline expiry from the sweep goes through the same manager as the
	// api so release and stop side effects are identical
	pl := pool.New(st, nil, log)
	mgr := session.NewManager(st, pl, issuer, stopper, pub, session.Options{
		Logger:      log,
		StopTimeout: cfg.HypervisorStopTimeout,
	})
	defer mgr.Close()

	runner := jobs.NewRunner(mgr, mgr, st, jobs.Options{
		SweepInterval:     cfg.SweepInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		OrphanGrace:       cfg.OrphanGrace,
		ResyncInterval:    5 * time.Minute,
		Resync: func(c context.Context) error {
			return backend.SyncInventory(c, st, cfg.InventoryFile, log)
		},
	}, log)
	runner.Start(ctx)
	// jobs finish before the manager and store close
	defer runner.Wait()

	log.Info("proctor-jobs worker started")
	<-ctx.Done()
	log.Info("proctor-jobs worker stopping")
}
