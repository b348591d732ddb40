package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/model"
	"github.com/examgate/proctor-control-plane/internal/tracing"
)

type JoinRequest struct {
	ExamID        string
	UserID        string
	AccessCode    string
	ClientAddress string
}

type JoinResult struct {
	Session    model.Session
	Machine    model.Machine
	Credential string
	// Created is true when this call created the session.
	Created bool
}

// Join admits a user to an exam: it creates the session if needed,
// allocates a machine and mints a credential for it. Calling Join again
// while the session holds a machine returns a fresh credential for the
// same machine.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (res JoinResult, err error) {
	ctx, span := tracing.Start(ctx, "session.join",
		attribute.String("exam_id", req.ExamID),
		attribute.String("user_id", req.UserID),
	)
	defer func() { tracing.End(span, err) }()
	return m.join(ctx, req)
}

func (m *Manager) join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if req.UserID == "" || req.ExamID == "" {
		return JoinResult{}, errors.New("join: user and exam are required")
	}
	exam, err := m.store.GetExam(ctx, req.ExamID)
	if err != nil {
		return JoinResult{}, err
	}
	if exam.AccessCode != "" && subtle.ConstantTimeCompare([]byte(exam.AccessCode), []byte(req.AccessCode)) != 1 {
		return JoinResult{}, model.ErrInvalidAccessCode
	}

	// joins for one user are serialized so the session lookup, creation
	// and the one-machine-per-user check see a stable picture
	userKey := "user/" + req.UserID
	m.acquireOpLock(userKey)
	defer m.releaseOpLock(userKey)

	holding, err := m.store.FindHoldingSession(ctx, req.UserID)
	if err != nil {
		return JoinResult{}, err
	}
	if holding != nil && holding.ExamID != req.ExamID {
		return JoinResult{}, fmt.Errorf("%w: session %s for exam %s", model.ErrBusyElsewhere, holding.ID, holding.ExamID)
	}

	sess, created, err := m.findOrCreate(ctx, req)
	if err != nil {
		return JoinResult{}, err
	}

	m.acquireOpLock(sess.ID)
	defer m.releaseOpLock(sess.ID)

	cur, err := m.store.GetSession(ctx, sess.ID)
	if err != nil {
		return JoinResult{}, err
	}
	if cur.State.Terminal() {
		return JoinResult{}, model.ErrSessionClosed
	}
	if expired, err := m.expireIfDue(ctx, *cur); err != nil {
		return JoinResult{}, err
	} else if expired {
		return JoinResult{}, model.ErrSessionClosed
	}

	if err := m.reclaimStale(ctx, *cur); err != nil {
		return JoinResult{}, err
	}
	holder := model.Holder{UserID: req.UserID, SessionID: cur.ID}
	machine, err := m.pool.Allocate(ctx, holder)
	if err != nil {
		if errors.Is(err, model.ErrPoolExhausted) {
			m.log.Info("join_pool_exhausted", zap.String("session_id", cur.ID), zap.String("user_id", req.UserID))
		}
		return JoinResult{}, err
	}

	next := *cur
	next.MachineID = machine.ID
	if cur.State == model.StateNotStarted {
		next.State = model.StateAllocated
		ev := m.newEvent(*cur, model.EventJoin, "", req.ClientAddress, next.State)
		committed, _, err := m.commit(ctx, cur.State, next, ev)
		if err != nil {
			m.compensate(ctx, holder, err)
			return JoinResult{}, err
		}
		next = committed
	} else if cur.MachineID != machine.ID {
		// the previous machine was reclaimed while the session was held
		ev := m.newEvent(*cur, model.EventJoin, "machine:"+machine.ID, req.ClientAddress, cur.State)
		committed, _, err := m.commit(ctx, cur.State, next, ev)
		if err != nil {
			return JoinResult{}, err
		}
		next = committed
	} else {
		if _, err := m.record(ctx, *cur, model.EventJoin, "reconnect", req.ClientAddress); err != nil {
			return JoinResult{}, err
		}
	}
	m.armTimer(next)

	cred, err := m.issuer.Issue(machine)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Session: next, Machine: machine, Credential: cred, Created: created}, nil
}

func (m *Manager) findOrCreate(ctx context.Context, req JoinRequest) (model.Session, bool, error) {
	existing, err := m.store.FindSession(ctx, req.UserID, req.ExamID)
	if err != nil {
		return model.Session{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}
	now := m.now()
	sess := model.Session{
		ID:        uuid.NewString(),
		ExamID:    req.ExamID,
		UserID:    req.UserID,
		State:     model.StateNotStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = m.store.CreateSession(ctx, sess)
	if errors.Is(err, model.ErrConflict) {
		// another instance created it first
		existing, err = m.store.FindSession(ctx, req.UserID, req.ExamID)
		if err != nil {
			return model.Session{}, false, err
		}
		if existing == nil {
			return model.Session{}, false, model.ErrConflict
		}
		return *existing, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	return sess, true, nil
}

// reclaimStale frees a machine the user still holds for another session
// once that session has closed. A closing session releases its own
// machine after committing, so a join can arrive in between. The caller
// holds the user lock.
func (m *Manager) reclaimStale(ctx context.Context, sess model.Session) error {
	mc, err := m.store.MachineByOwner(ctx, sess.UserID)
	if err != nil || mc == nil || mc.SessionID == sess.ID {
		return err
	}
	var prev *model.Session
	if mc.SessionID != "" {
		prev, err = m.store.GetSession(ctx, mc.SessionID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			prev = nil
		case err != nil:
			return err
		case prev.State.Holding():
			return fmt.Errorf("%w: machine %s is held for session %s", model.ErrBusyElsewhere, mc.ID, prev.ID)
		}
	}
	released, err := m.pool.Release(ctx, mc.Holder())
	if err != nil || released == nil {
		return err
	}
	m.log.Info("stale_machine_reclaimed",
		zap.String("session_id", sess.ID),
		zap.String("previous_session_id", mc.SessionID),
		zap.String("machine_id", released.ID),
	)
	if prev != nil {
		m.publishReleased(ctx, model.MachineReleased{
			SessionID:  prev.ID,
			MachineID:  released.ID,
			UserID:     prev.UserID,
			ExamID:     prev.ExamID,
			Reason:     prev.Reason,
			ReleasedAt: m.now(),
		})
	}
	return nil
}

// compensate hands back a machine allocated for a join whose commit
// failed.
func (m *Manager) compensate(ctx context.Context, h model.Holder, cause error) {
	m.log.Warn("join_compensation", zap.String("session_id", h.SessionID), zap.String("user_id", h.UserID), zap.Error(cause))
	if _, err := m.pool.Release(context.WithoutCancel(ctx), h); err != nil {
		m.log.Error("join_compensation_failed", zap.String("session_id", h.SessionID), zap.String("user_id", h.UserID), zap.Error(err))
	}
}
