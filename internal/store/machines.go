package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/examgate/proctor-control-plane/internal/model"
)

const machineColumns = `m.id, m.label, m.address, m.port, m.username, m.password, m.hypervisor_id, m.status,
       coalesce(m.owner_user_id, ''), coalesce(m.holder_session_id, ''), m.allocated_at`

func scanMachine(row pgx.Row) (*model.Machine, error) {
	var mc model.Machine
	if err := row.Scan(
		&mc.ID, &mc.Label, &mc.Address, &mc.Port, &mc.Username, &mc.Password, &mc.HypervisorID, &mc.Status,
		&mc.Owner, &mc.SessionID, &mc.AllocatedAt,
	); err != nil {
		return nil, err
	}
	return &mc, nil
}

func (s *Store) listMachines(ctx context.Context, op, q string, args ...any) ([]model.Machine, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []model.Machine
	for rows.Next() {
		mc, err := scanMachine(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, *mc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// UpsertMachines loads inventory. Connection details are replaced; the
// owner of an already known machine is kept.
func (s *Store) UpsertMachines(ctx context.Context, machines []model.Machine) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr("upsert machines", err)
	}
	defer tx.Rollback(ctx)

	const q = `
insert into machines (id, label, address, port, username, password, hypervisor_id, status)
values ($1, $2, $3, $4, $5, $6, $7, 'free')
on conflict (id) do update
set label = excluded.label,
    address = excluded.address,
    port = excluded.port,
    username = excluded.username,
    password = excluded.password,
    hypervisor_id = excluded.hypervisor_id
`
	for _, mc := range machines {
		if _, err := tx.Exec(ctx, q, mc.ID, mc.Label, mc.Address, mc.Port, mc.Username, mc.Password, mc.HypervisorID); err != nil {
			return storageErr("upsert machines", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("upsert machines", err)
	}
	return nil
}

func (s *Store) GetMachine(ctx context.Context, machineID string) (*model.Machine, error) {
	q := `select ` + machineColumns + ` from machines m where m.id = $1`
	mc, err := scanMachine(s.db.QueryRow(ctx, q, machineID))
	if err != nil {
		return nil, storageErr("get machine", err)
	}
	return mc, nil
}

func (s *Store) ListMachines(ctx context.Context) ([]model.Machine, error) {
	return s.listMachines(ctx, "list machines", `select `+machineColumns+` from machines m order by m.port, m.id`)
}

// MachineByOwner returns the machine held by a user, or nil.
func (s *Store) MachineByOwner(ctx context.Context, owner string) (*model.Machine, error) {
	q := `select ` + machineColumns + ` from machines m where m.owner_user_id = $1`
	mc, err := scanMachine(s.db.QueryRow(ctx, q, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("machine by owner", err)
	}
	return mc, nil
}

// ListFreeMachines returns unowned machines, lowest port first.
func (s *Store) ListFreeMachines(ctx context.Context) ([]model.Machine, error) {
	return s.listMachines(ctx, "list free machines",
		`select `+machineColumns+` from machines m where m.owner_user_id is null order by m.port, m.id`)
}

// SwapMachineOwner moves a machine from the expected holder to next only
// if it is still held by expected (the zero Holder meaning free). at is
// recorded as the allocation time. It reports false when another caller
// got there first, including when next's user already holds a different
// machine.
func (s *Store) SwapMachineOwner(ctx context.Context, machineID string, expected, next model.Holder, at time.Time) (bool, error) {
	const q = `
update machines
set owner_user_id = nullif($4::text, ''),
    holder_session_id = nullif($5::text, ''),
    status = case when $4::text = '' then 'free' else 'allocated' end,
    allocated_at = case when $4::text = '' then null else $6::timestamptz end
where id = $1
  and coalesce(owner_user_id, '') = $2::text
  and coalesce(holder_session_id, '') = $3::text
`
	tag, err := s.db.Exec(ctx, q, machineID, expected.UserID, expected.SessionID, next.UserID, next.SessionID, at)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, storageErr("swap machine owner", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListOrphanedMachines returns machines allocated before the cutoff whose
// holder session no longer holds a machine.
func (s *Store) ListOrphanedMachines(ctx context.Context, allocatedBefore time.Time) ([]model.Machine, error) {
	q := `select ` + machineColumns + `
from machines m
where m.owner_user_id is not null
  and (m.allocated_at is null or m.allocated_at < $1)
  and not exists (
    select 1 from sessions s
    where s.id = m.holder_session_id
      and s.state in ('ALLOCATED', 'ACTIVE', 'PAUSED', 'VIOLATION')
  )
order by m.port, m.id`
	return s.listMachines(ctx, "list orphaned machines", q, allocatedBefore)
}
