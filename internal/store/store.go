// Package store is the PostgreSQL backend for machines, exams, sessions
// and the session event ledger.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/examgate/proctor-control-plane/internal/model"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `select 1`).Scan(&one); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.ErrNotFound
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrConflict):
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const sessionColumns = `s.id, s.exam_id, s.user_id, coalesce(s.machine_id, ''), s.state, coalesce(s.reason, ''),
       s.violation_open, s.started_at, s.deadline, s.closed_at, s.created_at, s.updated_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	if err := row.Scan(
		&sess.ID, &sess.ExamID, &sess.UserID, &sess.MachineID, &sess.State, &sess.Reason,
		&sess.ViolationOpen, &sess.StartedAt, &sess.Deadline, &sess.ClosedAt, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sess, nil
}

func collectSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) UpsertExams(ctx context.Context, exams []model.Exam) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr("upsert exams", err)
	}
	defer tx.Rollback(ctx)

	const q = `
insert into exams (id, name, access_code, duration_seconds)
values ($1, $2, $3, $4)
on conflict (id) do update
set name = excluded.name,
    access_code = excluded.access_code,
    duration_seconds = excluded.duration_seconds
`
	for _, e := range exams {
		if _, err := tx.Exec(ctx, q, e.ID, e.Name, e.AccessCode, int64(e.Duration/time.Second)); err != nil {
			return storageErr("upsert exams", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("upsert exams", err)
	}
	return nil
}

func (s *Store) GetExam(ctx context.Context, examID string) (*model.Exam, error) {
	const q = `select id, name, access_code, duration_seconds from exams where id = $1`
	var (
		e    model.Exam
		secs int64
	)
	if err := s.db.QueryRow(ctx, q, examID).Scan(&e.ID, &e.Name, &e.AccessCode, &secs); err != nil {
		return nil, storageErr("get exam", err)
	}
	e.Duration = time.Duration(secs) * time.Second
	return &e, nil
}

// CreateSession inserts a new session. A second session for the same
// user and exam fails with model.ErrConflict.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	const q = `
insert into sessions (id, exam_id, user_id, machine_id, state, reason, violation_open, started_at, deadline, closed_at, created_at, updated_at)
values ($1, $2, $3, nullif($4::text, ''), $5, nullif($6::text, ''), $7, $8, $9, $10, $11, $12)
`
	_, err := s.db.Exec(ctx, q,
		sess.ID, sess.ExamID, sess.UserID, sess.MachineID, string(sess.State), string(sess.Reason),
		sess.ViolationOpen, sess.StartedAt, sess.Deadline, sess.ClosedAt, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrConflict
		}
		return storageErr("create session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	q := `select ` + sessionColumns + ` from sessions s where s.id = $1`
	sess, err := scanSession(s.db.QueryRow(ctx, q, sessionID))
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

// FindSession returns the user's session for an exam, or nil if the user
// has not joined it.
func (s *Store) FindSession(ctx context.Context, userID, examID string) (*model.Session, error) {
	q := `select ` + sessionColumns + ` from sessions s where s.user_id = $1 and s.exam_id = $2`
	sess, err := scanSession(s.db.QueryRow(ctx, q, userID, examID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find session", err)
	}
	return sess, nil
}

// FindHoldingSession returns the user's session that currently owns a
// machine, or nil.
func (s *Store) FindHoldingSession(ctx context.Context, userID string) (*model.Session, error) {
	q := `select ` + sessionColumns + `
from sessions s
where s.user_id = $1
  and s.state in ('ALLOCATED', 'ACTIVE', 'PAUSED', 'VIOLATION')
order by s.created_at desc
limit 1`
	sess, err := scanSession(s.db.QueryRow(ctx, q, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find holding session", err)
	}
	return sess, nil
}

func (s *Store) ListSessionsByExam(ctx context.Context, examID string) ([]model.Session, error) {
	q := `select ` + sessionColumns + ` from sessions s where s.exam_id = $1 order by s.created_at, s.id`
	rows, err := s.db.Query(ctx, q, examID)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	out, err := collectSessions(rows)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	return out, nil
}

// ListOverdueSessions returns running sessions whose deadline is at or
// before now.
func (s *Store) ListOverdueSessions(ctx context.Context, now time.Time) ([]model.Session, error) {
	q := `select ` + sessionColumns + `
from sessions s
where s.state in ('ACTIVE', 'PAUSED', 'VIOLATION')
  and s.deadline is not null
  and s.deadline <= $1
order by s.deadline`
	rows, err := s.db.Query(ctx, q, now)
	if err != nil {
		return nil, storageErr("list overdue sessions", err)
	}
	out, err := collectSessions(rows)
	if err != nil {
		return nil, storageErr("list overdue sessions", err)
	}
	return out, nil
}

// CommitTransition writes the session and its event in one transaction.
// It fails with model.ErrConflict when the stored state is no longer
// t.From.
func (s *Store) CommitTransition(ctx context.Context, t model.Transition) (model.Event, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Event{}, storageErr("commit transition", err)
	}
	defer tx.Rollback(ctx)

	const q = `
update sessions
set machine_id = nullif($3::text, ''),
    state = $4,
    reason = nullif($5::text, ''),
    violation_open = $6,
    started_at = $7,
    deadline = $8,
    closed_at = $9,
    updated_at = $10
where id = $1
  and state = $2
`
	sess := t.Session
	tag, err := tx.Exec(ctx, q,
		sess.ID, string(t.From), sess.MachineID, string(sess.State), string(sess.Reason),
		sess.ViolationOpen, sess.StartedAt, sess.Deadline, sess.ClosedAt, sess.UpdatedAt,
	)
	if err != nil {
		return model.Event{}, storageErr("commit transition", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Event{}, model.ErrConflict
	}

	ev, err := appendTx(ctx, tx, t.Event)
	if err != nil {
		return model.Event{}, storageErr("commit transition", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Event{}, storageErr("commit transition", err)
	}
	return ev, nil
}
