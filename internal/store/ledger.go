package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/examgate/proctor-control-plane/internal/model"
)

const eventColumns = `e.seq, e.id, e.session_id, e.exam_id, e.user_id, e.kind, e.detail, e.client_address,
       e.from_state, e.to_state, e.created_at`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanEvent(row pgx.Row) (model.Event, error) {
	var ev model.Event
	err := row.Scan(
		&ev.Seq, &ev.ID, &ev.SessionID, &ev.ExamID, &ev.UserID, &ev.Kind, &ev.Detail, &ev.ClientAddress,
		&ev.FromState, &ev.ToState, &ev.CreatedAt,
	)
	return ev, err
}

func (s *Store) Append(ctx context.Context, ev model.Event) (model.Event, error) {
	out, err := appendTx(ctx, s.db, ev)
	if err != nil {
		return model.Event{}, storageErr("append event", err)
	}
	return out, nil
}

func appendTx(ctx context.Context, db rowQuerier, ev model.Event) (model.Event, error) {
	const q = `
insert into session_events (id, session_id, exam_id, user_id, kind, detail, client_address, from_state, to_state, created_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
returning seq
`
	if err := db.QueryRow(ctx, q,
		ev.ID, ev.SessionID, ev.ExamID, ev.UserID, string(ev.Kind), ev.Detail, ev.ClientAddress,
		string(ev.FromState), string(ev.ToState), ev.CreatedAt,
	).Scan(&ev.Seq); err != nil {
		return ev, err
	}
	return ev, nil
}

func buildEventQuery(q model.EventQuery) (string, []any, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`select ` + eventColumns + ` from session_events e where `)
	switch {
	case q.SessionID != "":
		args = append(args, q.SessionID)
		sb.WriteString(`e.session_id = $1`)
	case q.ExamID != "":
		args = append(args, q.ExamID)
		sb.WriteString(`e.exam_id = $1`)
	default:
		return "", nil, errors.New("event query needs a session or exam id")
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		fmt.Fprintf(&sb, ` and e.created_at >= $%d`, len(args))
	}
	if q.AfterSeq > 0 {
		args = append(args, q.AfterSeq)
		fmt.Fprintf(&sb, ` and e.seq > $%d`, len(args))
	}
	sb.WriteString(` order by e.created_at, e.seq`)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` limit $%d`, len(args))
	}
	return sb.String(), args, nil
}

// Query streams matching events in (created_at, seq) order. Rows are
// released when iteration ends.
func (s *Store) Query(ctx context.Context, q model.EventQuery) iter.Seq2[model.Event, error] {
	return func(yield func(model.Event, error) bool) {
		sql, args, err := buildEventQuery(q)
		if err != nil {
			yield(model.Event{}, err)
			return
		}
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			yield(model.Event{}, storageErr("query events", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				yield(model.Event{}, storageErr("query events", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Event{}, storageErr("query events", err))
		}
	}
}

// LatestEventsByExam returns the most recent event per session.
func (s *Store) LatestEventsByExam(ctx context.Context, examID string) (map[string]model.Event, error) {
	q := `select distinct on (e.session_id) ` + eventColumns + `
from session_events e
where e.exam_id = $1
order by e.session_id, e.created_at desc, e.seq desc`
	rows, err := s.db.Query(ctx, q, examID)
	if err != nil {
		return nil, storageErr("latest events", err)
	}
	defer rows.Close()

	out := make(map[string]model.Event)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("latest events", err)
		}
		out[ev.SessionID] = ev
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("latest events", err)
	}
	return out, nil
}
