package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/ledger"
	"github.com/examgate/proctor-control-plane/internal/metrics"
	"github.com/examgate/proctor-control-plane/internal/model"
	"github.com/examgate/proctor-control-plane/internal/tracing"
)

// Report is one client-reported event for a session.
type Report struct {
	SessionID     string
	UserID        string
	Kind          model.EventKind
	Detail        string
	ClientAddress string
}

// Outcome is the session after a report and the ledger entry written for
// it.
type Outcome struct {
	Session model.Session
	Event   model.Event
}

// Apply records a client event and performs the transition it implies.
// Events that the current state does not accept fail with
// model.ErrInvalidTransition and leave the session untouched.
func (m *Manager) Apply(ctx context.Context, r Report) (Outcome, error) {
	ctx, span := tracing.Start(ctx, "session.apply",
		attribute.String("session_id", r.SessionID),
		attribute.String("kind", string(r.Kind)),
	)
	out, err := m.apply(ctx, r)
	tracing.End(span, err)
	outcome := "ok"
	switch {
	case errors.Is(err, model.ErrInvalidTransition):
		outcome = "invalid"
	case errors.Is(err, model.ErrSessionClosed):
		outcome = "closed"
	case err != nil:
		outcome = "error"
	}
	metrics.Default().IncCounter("proctor_session_events_total", map[string]string{"kind": string(r.Kind), "outcome": outcome})
	return out, err
}

func (m *Manager) apply(ctx context.Context, r Report) (Outcome, error) {
	m.acquireOpLock(r.SessionID)
	defer m.releaseOpLock(r.SessionID)

	sess, err := m.store.GetSession(ctx, r.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	if sess.UserID != r.UserID {
		return Outcome{}, model.ErrForbidden
	}
	if sess.State.Terminal() {
		return Outcome{}, model.ErrSessionClosed
	}
	// the deadline wins over anything the client sends
	if expired, err := m.expireIfDue(ctx, *sess); err != nil {
		return Outcome{}, err
	} else if expired {
		return Outcome{}, model.ErrSessionClosed
	}

	switch r.Kind {
	case model.EventSubmit:
		if !sess.State.Running() {
			return Outcome{}, m.invalid(*sess, r)
		}
		next, ev, err := m.finish(ctx, *sess, model.EventSubmit, model.ReasonClient, r.Detail, r.ClientAddress)
		return Outcome{Session: next, Event: ev}, err
	case model.EventLeave:
		next, ev, err := m.finish(ctx, *sess, model.EventLeave, model.ReasonDisconnect, r.Detail, r.ClientAddress)
		return Outcome{Session: next, Event: ev}, err
	}

	// allocation only happens through Join
	if r.Kind == model.EventJoin && sess.State == model.StateNotStarted {
		return Outcome{}, m.invalid(*sess, r)
	}
	to, err := ledger.Next(sess.State, r.Kind)
	if err != nil {
		return Outcome{}, m.invalid(*sess, r)
	}
	if to == sess.State {
		ev, err := m.record(ctx, *sess, r.Kind, r.Detail, r.ClientAddress)
		if err != nil {
			return Outcome{}, err
		}
		if r.Kind == model.EventViolation {
			m.log.Info("violation_repeated", zap.String("session_id", sess.ID), zap.String("detail", r.Detail))
		}
		return Outcome{Session: *sess, Event: ev}, nil
	}

	next := *sess
	next.State = to
	switch {
	case r.Kind == model.EventStart && sess.State == model.StateAllocated:
		exam, err := m.store.GetExam(ctx, sess.ExamID)
		if err != nil {
			return Outcome{}, err
		}
		now := m.now()
		next.StartedAt = &now
		if exam.Duration > 0 {
			deadline := now.Add(exam.Duration)
			next.Deadline = &deadline
		}
	case r.Kind == model.EventStart && sess.State == model.StateViolation:
		next.ViolationOpen = false
	case r.Kind == model.EventViolation:
		next.ViolationOpen = true
	}

	ev := m.newEvent(*sess, r.Kind, r.Detail, r.ClientAddress, to)
	next, stored, err := m.commit(ctx, sess.State, next, ev)
	if err != nil {
		return Outcome{}, err
	}
	m.armTimer(next)
	return Outcome{Session: next, Event: stored}, nil
}

func (m *Manager) invalid(sess model.Session, r Report) error {
	m.log.Info("invalid_transition_ignored",
		zap.String("session_id", sess.ID),
		zap.String("state", string(sess.State)),
		zap.String("kind", string(r.Kind)),
	)
	return fmt.Errorf("%w: %s in %s", model.ErrInvalidTransition, r.Kind, sess.State)
}

func (m *Manager) Submit(ctx context.Context, sessionID, userID, clientAddr string) (Outcome, error) {
	return m.Apply(ctx, Report{SessionID: sessionID, UserID: userID, Kind: model.EventSubmit, ClientAddress: clientAddr})
}

func (m *Manager) Leave(ctx context.Context, sessionID, userID, clientAddr string) (Outcome, error) {
	return m.Apply(ctx, Report{SessionID: sessionID, UserID: userID, Kind: model.EventLeave, ClientAddress: clientAddr})
}

// Remaining is the time left before the session's deadline, or zero when
// no deadline applies.
func Remaining(sess model.Session, now time.Time) time.Duration {
	if sess.Deadline == nil || !sess.State.Running() {
		return 0
	}
	if d := sess.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}
