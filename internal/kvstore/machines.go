package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/examgate/proctor-control-plane/internal/model"
)

// UpsertMachines syncs inventory. Allocation state of existing machines
// is preserved.
func (s *Store) UpsertMachines(_ context.Context, machines []model.Machine) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range machines {
			var curr model.Machine
			err := getJSON(txn, prefixMachine+m.ID, &curr)
			switch {
			case err == nil:
				m.Owner = curr.Owner
				m.SessionID = curr.SessionID
				m.Status = curr.Status
				m.AllocatedAt = curr.AllocatedAt
			case errors.Is(err, model.ErrNotFound):
				m.Owner = ""
				m.SessionID = ""
				m.Status = model.MachineFree
				m.AllocatedAt = nil
			default:
				return err
			}
			if err := setJSON(txn, prefixMachine+m.ID, m); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("upsert machines", err)
}

func (s *Store) GetMachine(_ context.Context, machineID string) (*model.Machine, error) {
	var m model.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixMachine+machineID, &m)
	})
	if err != nil {
		return nil, storageErr("get machine", err)
	}
	return &m, nil
}

func (s *Store) ListMachines(_ context.Context) ([]model.Machine, error) {
	var out []model.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = listMachinesTxn(txn)
		return err
	})
	if err != nil {
		return nil, storageErr("list machines", err)
	}
	return out, nil
}

func listMachinesTxn(txn *badger.Txn) ([]model.Machine, error) {
	out := make([]model.Machine, 0)
	err := scan(txn, prefixMachine, func(item *badger.Item) error {
		var m model.Machine
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *Store) MachineByOwner(_ context.Context, owner string) (*model.Machine, error) {
	var out *model.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, prefixMachineOwner+owner)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var m model.Machine
		if err := getJSON(txn, prefixMachine+id, &m); err != nil {
			return err
		}
		out = &m
		return nil
	})
	if err != nil {
		return nil, storageErr("machine by owner", err)
	}
	return out, nil
}

func (s *Store) ListFreeMachines(ctx context.Context) ([]model.Machine, error) {
	all, err := s.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	free := make([]model.Machine, 0, len(all))
	for _, m := range all {
		if m.IsFree() {
			free = append(free, m)
		}
	}
	return free, nil
}

var errSwapLost = errors.New("swap lost")

// SwapMachineOwner moves the machine from the expected holder to next,
// and only if next's user holds no other machine. A lost race reports
// false without error.
func (s *Store) SwapMachineOwner(_ context.Context, machineID string, expected, next model.Holder, at time.Time) (bool, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		var m model.Machine
		if err := getJSON(txn, prefixMachine+machineID, &m); err != nil {
			return err
		}
		if m.Holder() != expected {
			return errSwapLost
		}
		if next.UserID != "" {
			_, err := getString(txn, prefixMachineOwner+next.UserID)
			if err == nil {
				return errSwapLost
			}
			if !errors.Is(err, model.ErrNotFound) {
				return err
			}
			if err := txn.Set([]byte(prefixMachineOwner+next.UserID), []byte(machineID)); err != nil {
				return err
			}
			at := at.UTC()
			m.Status = model.MachineAllocated
			m.AllocatedAt = &at
		} else {
			m.Status = model.MachineFree
			m.AllocatedAt = nil
		}
		if expected.UserID != "" {
			if err := txn.Delete([]byte(prefixMachineOwner + expected.UserID)); err != nil {
				return err
			}
		}
		m.Owner = next.UserID
		m.SessionID = next.SessionID
		return setJSON(txn, prefixMachine+machineID, m)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errSwapLost), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, storageErr("swap machine owner", err)
	}
}

// ListOrphanedMachines returns machines allocated before cutoff whose
// holder session no longer holds a machine.
func (s *Store) ListOrphanedMachines(_ context.Context, allocatedBefore time.Time) ([]model.Machine, error) {
	var out []model.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		machines, err := listMachinesTxn(txn)
		if err != nil {
			return err
		}
		sessions, err := listSessionsTxn(txn, prefixSession)
		if err != nil {
			return err
		}
		live := make(map[string]bool)
		for _, sess := range sessions {
			if sess.State.Holding() {
				live[sess.ID] = true
			}
		}
		for _, m := range machines {
			if m.IsFree() || live[m.SessionID] {
				continue
			}
			if m.AllocatedAt != nil && !m.AllocatedAt.Before(allocatedBefore) {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list orphaned machines", err)
	}
	return out, nil
}
