package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/metrics"
	"github.com/examgate/proctor-control-plane/internal/model"
)

// finish moves sess to a terminal state and releases its machine. The
// caller holds the session lock. Side effects after the release never
// fail the transition.
func (m *Manager) finish(ctx context.Context, sess model.Session, kind model.EventKind, reason model.CloseReason, detail, clientAddr string) (model.Session, model.Event, error) {
	to := model.StateSubmitted
	if kind == model.EventLeave {
		to = model.StateLeft
	}
	ev := m.newEvent(sess, kind, detail, clientAddr, to)
	next := sess
	next.State = to
	next.Reason = reason
	next.ViolationOpen = false
	closedAt := ev.CreatedAt
	next.ClosedAt = &closedAt

	next, stored, err := m.commit(ctx, sess.State, next, ev)
	if err != nil {
		return model.Session{}, model.Event{}, err
	}

	m.disarmTimer(sess.ID)
	// a session that never got past NOT_STARTED owns nothing; the user
	// may hold a machine through another exam's session
	if !sess.State.Holding() {
		return next, stored, nil
	}
	released, err := m.pool.Release(ctx, model.Holder{UserID: sess.UserID, SessionID: sess.ID})
	if err != nil {
		m.log.Error("pool_release_failed", zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID), zap.Error(err))
	}
	// nil when a later join of the same user already reclaimed it
	if released == nil {
		return next, stored, nil
	}
	m.publishReleased(ctx, model.MachineReleased{
		SessionID:  sess.ID,
		MachineID:  released.ID,
		UserID:     sess.UserID,
		ExamID:     sess.ExamID,
		Reason:     reason,
		ReleasedAt: m.now(),
	})
	if released.HypervisorID != "" {
		m.stopAsync(sess.ID, released.HypervisorID)
	}
	return next, stored, nil
}

func (m *Manager) publishReleased(ctx context.Context, ev model.MachineReleased) {
	if m.pub == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.pub.PublishReleased(pubCtx, ev); err != nil {
		metrics.Default().IncCounter("proctor_release_publish_total", map[string]string{"status": "error"})
		m.log.Warn("machine_released_publish_failed", zap.String("session_id", ev.SessionID), zap.String("machine_id", ev.MachineID), zap.Error(err))
		return
	}
	metrics.Default().IncCounter("proctor_release_publish_total", map[string]string{"status": "ok"})
}

func (m *Manager) stopAsync(sessionID, hypervisorID string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
		defer cancel()

		start := m.clock.Now()
		err := m.stopper.StopMachine(ctx, hypervisorID)
		durMS := float64(m.clock.Since(start).Milliseconds())
		labels := map[string]string{"provider": m.stopper.Provider(), "status": "ok"}
		if err != nil {
			labels["status"] = "error"
			m.log.Warn("hypervisor_stop_failed",
				zap.String("session_id", sessionID),
				zap.String("hypervisor_id", hypervisorID),
				zap.Error(err),
			)
		}
		metrics.Default().IncCounter("proctor_hypervisor_stop_total", labels)
		metrics.Default().ObserveHistogram("proctor_hypervisor_stop_latency_ms", durMS, labels)
	}()
}

// Expire submits the session with reason TIMEOUT if its deadline has
// passed. It reports whether it did.
func (m *Manager) Expire(ctx context.Context, sessionID string) (bool, error) {
	m.acquireOpLock(sessionID)
	defer m.releaseOpLock(sessionID)

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return m.expireIfDue(ctx, *sess)
}

// expireIfDue runs under the session lock.
func (m *Manager) expireIfDue(ctx context.Context, sess model.Session) (bool, error) {
	if !sess.DeadlinePassed(m.now()) {
		m.armTimer(sess)
		return false, nil
	}
	if _, _, err := m.finish(ctx, sess, model.EventSubmit, model.ReasonTimeout, "TIMEOUT", ""); err != nil {
		return false, err
	}
	m.log.Info("session_deadline_reached", zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))
	return true, nil
}

// ExpireOverdue sweeps every running session whose deadline has passed.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := m.store.ListOverdueSessions(ctx, m.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range overdue {
		ok, err := m.Expire(ctx, sess.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ReconcileOrphans frees machines whose holder session has closed or
// never committed. Each candidate is rechecked under its user's lock so a
// join in flight for that user is never disturbed.
func (m *Manager) ReconcileOrphans(ctx context.Context, grace time.Duration) (int, error) {
	orphans, err := m.pool.Orphans(ctx, grace)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, mc := range orphans {
		ok, err := m.reconcileOrphan(ctx, mc)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *Manager) reconcileOrphan(ctx context.Context, mc model.Machine) (bool, error) {
	userKey := "user/" + mc.Owner
	m.acquireOpLock(userKey)
	defer m.releaseOpLock(userKey)

	if mc.SessionID != "" {
		sess, err := m.store.GetSession(ctx, mc.SessionID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return false, err
		}
		if err == nil && sess.State.Holding() {
			return false, nil
		}
	}
	return m.pool.ReleaseOrphan(ctx, mc)
}
