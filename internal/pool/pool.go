// Package pool hands out remote-desktop machines to exam takers. At most
// one session holds a machine at a time and a user holds at most one
// machine.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/metrics"
	"github.com/examgate/proctor-control-plane/internal/model"
)

// Store is the machine table. SwapMachineOwner must be atomic: it changes
// the holder only when the current holder equals expected, and reports
// false when another writer got there first.
type Store interface {
	MachineByOwner(ctx context.Context, owner string) (*model.Machine, error)
	ListFreeMachines(ctx context.Context) ([]model.Machine, error)
	SwapMachineOwner(ctx context.Context, machineID string, expected, next model.Holder, at time.Time) (bool, error)
	ListOrphanedMachines(ctx context.Context, allocatedBefore time.Time) ([]model.Machine, error)
}

const maxPasses = 16

type Pool struct {
	store Store
	clock clockwork.Clock
	log   *zap.Logger
}

func New(store Store, clk clockwork.Clock, log *zap.Logger) *Pool {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{store: store, clock: clk, log: log.Named("pool")}
}

// Allocate returns the machine already held for h, or claims the free
// machine with the lowest port. Calling it again with the same holder
// returns the same machine. A user whose machine is still held for
// another session gets model.ErrBusyElsewhere.
func (p *Pool) Allocate(ctx context.Context, h model.Holder) (model.Machine, error) {
	if h.UserID == "" || h.SessionID == "" {
		return model.Machine{}, errors.New("allocate: empty holder")
	}
	for pass := 0; pass < maxPasses; pass++ {
		if m, err := p.held(ctx, h); err != nil || m != nil {
			if m != nil {
				return *m, nil
			}
			return model.Machine{}, err
		}

		free, err := p.store.ListFreeMachines(ctx)
		if err != nil {
			return model.Machine{}, err
		}
		if len(free) == 0 {
			p.count("exhausted")
			return model.Machine{}, model.ErrPoolExhausted
		}
		for _, m := range free {
			now := p.clock.Now().UTC()
			ok, err := p.store.SwapMachineOwner(ctx, m.ID, model.Holder{}, h, now)
			if err != nil {
				return model.Machine{}, err
			}
			if ok {
				m.Owner = h.UserID
				m.SessionID = h.SessionID
				m.Status = model.MachineAllocated
				m.AllocatedAt = &now
				p.count("allocated")
				p.log.Info("machine_allocated",
					zap.String("user_id", h.UserID),
					zap.String("session_id", h.SessionID),
					zap.String("machine_id", m.ID),
					zap.Int("port", m.Port),
				)
				return m, nil
			}
			metrics.Default().IncCounter("proctor_pool_cas_conflicts_total", nil)
			// the lost swap may have been our own concurrent request
			if owned, err := p.held(ctx, h); err != nil || owned != nil {
				if owned != nil {
					return *owned, nil
				}
				return model.Machine{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return model.Machine{}, err
		}
	}
	p.count("conflict")
	return model.Machine{}, fmt.Errorf("allocate for %s: %w", h.UserID, model.ErrConflict)
}

// held returns the machine the user holds for h, nil when the user holds
// none, or ErrBusyElsewhere when it is held for a different session.
func (p *Pool) held(ctx context.Context, h model.Holder) (*model.Machine, error) {
	m, err := p.store.MachineByOwner(ctx, h.UserID)
	if err != nil || m == nil {
		return nil, err
	}
	if m.SessionID != h.SessionID {
		p.count("busy")
		return nil, fmt.Errorf("%w: machine %s is held for session %s", model.ErrBusyElsewhere, m.ID, m.SessionID)
	}
	p.count("existing")
	return m, nil
}

// Release frees the machine held for h. It is a no-op when the user holds
// nothing or holds a machine for a different session.
func (p *Pool) Release(ctx context.Context, h model.Holder) (*model.Machine, error) {
	for pass := 0; pass < maxPasses; pass++ {
		m, err := p.store.MachineByOwner(ctx, h.UserID)
		if err != nil {
			p.countRelease("error")
			return nil, err
		}
		if m == nil || m.SessionID != h.SessionID {
			p.countRelease("noop")
			return nil, nil
		}
		ok, err := p.store.SwapMachineOwner(ctx, m.ID, h, model.Holder{}, time.Time{})
		if err != nil {
			p.countRelease("error")
			return nil, err
		}
		if ok {
			p.countRelease("released")
			p.log.Info("machine_released", zap.String("user_id", h.UserID), zap.String("session_id", h.SessionID), zap.String("machine_id", m.ID))
			m.Owner = ""
			m.SessionID = ""
			m.Status = model.MachineFree
			m.AllocatedAt = nil
			return m, nil
		}
		metrics.Default().IncCounter("proctor_pool_cas_conflicts_total", nil)
	}
	p.countRelease("error")
	return nil, fmt.Errorf("release for %s: %w", h.UserID, model.ErrConflict)
}

// Orphans lists machines whose holder session no longer holds them.
// Machines allocated within grace are left out so a join that has
// allocated but not yet committed is not disturbed.
func (p *Pool) Orphans(ctx context.Context, grace time.Duration) ([]model.Machine, error) {
	return p.store.ListOrphanedMachines(ctx, p.clock.Now().UTC().Add(-grace))
}

// ReleaseOrphan frees m if it is still held by the holder it was listed
// with.
func (p *Pool) ReleaseOrphan(ctx context.Context, m model.Machine) (bool, error) {
	ok, err := p.store.SwapMachineOwner(ctx, m.ID, m.Holder(), model.Holder{}, time.Time{})
	if err != nil || !ok {
		return false, err
	}
	p.countRelease("orphan")
	p.log.Warn("orphaned_machine_released", zap.String("machine_id", m.ID), zap.String("user_id", m.Owner), zap.String("session_id", m.SessionID))
	return true, nil
}

func (p *Pool) count(result string) {
	metrics.Default().IncCounter("proctor_pool_allocations_total", map[string]string{"result": result})
}

func (p *Pool) countRelease(result string) {
	metrics.Default().IncCounter("proctor_pool_releases_total", map[string]string{"result": result})
}
