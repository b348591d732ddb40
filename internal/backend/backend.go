// Package backend selects the storage implementation named by the
// configuration and seeds it from the inventory file.
package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/config"
	"github.com/examgate/proctor-control-plane/internal/kvstore"
	"github.com/examgate/proctor-control-plane/internal/ledger"
	"github.com/examgate/proctor-control-plane/internal/model"
	"github.com/examgate/proctor-control-plane/internal/monitor"
	"github.com/examgate/proctor-control-plane/internal/pool"
	"github.com/examgate/proctor-control-plane/internal/session"
	"github.com/examgate/proctor-control-plane/internal/store"
)

type Backend interface {
	pool.Store
	session.Store
	monitor.Store
	ledger.Ledger
	Ping(ctx context.Context) error
	UpsertMachines(ctx context.Context, machines []model.Machine) error
	UpsertExams(ctx context.Context, exams []model.Exam) error
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*kvstore.Store)(nil)
)

// Open connects the configured store. The returned func releases it.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (Backend, func(), error) {
	switch cfg.Store {
	case "postgres":
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
		if err := pgPool.Ping(ctx); err != nil {
			pgPool.Close()
			return nil, nil, fmt.Errorf("ping db: %w", err)
		}
		st := store.New(pgPool)
		if err := st.Migrate(ctx); err != nil {
			pgPool.Close()
			return nil, nil, err
		}
		log.Info("store_opened", zap.String("store", "postgres"))
		return st, pgPool.Close, nil
	case "badger":
		kv, err := kvstore.Open(kvstore.Options{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, nil, err
		}
		log.Info("store_opened", zap.String("store", "badger"), zap.String("dir", cfg.BadgerDir))
		return kv, func() {
			if err := kv.Close(); err != nil {
				log.Warn("store_close_failed", zap.Error(err))
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

type inventoryStore interface {
	UpsertMachines(ctx context.Context, machines []model.Machine) error
	UpsertExams(ctx context.Context, exams []model.Exam) error
}

// SyncInventory upserts machines and exams from the inventory file.
// Allocation state of known machines is left alone. An empty path is a
// no-op.
func SyncInventory(ctx context.Context, st inventoryStore, path string, log *zap.Logger) error {
	if path == "" {
		return nil
	}
	inv, err := config.LoadInventory(path)
	if err != nil {
		return err
	}
	if err := st.UpsertMachines(ctx, inv.ModelMachines()); err != nil {
		return fmt.Errorf("sync machines: %w", err)
	}
	if err := st.UpsertExams(ctx, inv.ModelExams()); err != nil {
		return fmt.Errorf("sync exams: %w", err)
	}
	log.Info("inventory_synced", zap.Int("machines", len(inv.Machines)), zap.Int("exams", len(inv.Exams)))
	return nil
}
