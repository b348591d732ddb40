// Package session drives each exam attempt through its state machine.
// Transitions for one session are serialized by a per-session lock;
// independent sessions proceed in parallel. Reaching SUBMITTED or LEFT
// always releases the session's machine before the call returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/events"
	"github.com/examgate/proctor-control-plane/internal/hypervisor"
	"github.com/examgate/proctor-control-plane/internal/metrics"
	"github.com/examgate/proctor-control-plane/internal/model"
)

type Store interface {
	GetExam(ctx context.Context, examID string) (*model.Exam, error)
	CreateSession(ctx context.Context, sess model.Session) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	FindSession(ctx context.Context, userID, examID string) (*model.Session, error)
	FindHoldingSession(ctx context.Context, userID string) (*model.Session, error)
	ListOverdueSessions(ctx context.Context, now time.Time) ([]model.Session, error)
	CommitTransition(ctx context.Context, t model.Transition) (model.Event, error)
	Append(ctx context.Context, ev model.Event) (model.Event, error)
	MachineByOwner(ctx context.Context, owner string) (*model.Machine, error)
}

// Allocator hands out machines. A machine is held on behalf of one
// session, so a release for a session that no longer holds it is a no-op.
type Allocator interface {
	Allocate(ctx context.Context, h model.Holder) (model.Machine, error)
	Release(ctx context.Context, h model.Holder) (*model.Machine, error)
	Orphans(ctx context.Context, grace time.Duration) ([]model.Machine, error)
	ReleaseOrphan(ctx context.Context, m model.Machine) (bool, error)
}

type Issuer interface {
	Issue(m model.Machine) (string, error)
}

type Options struct {
	Clock       clockwork.Clock
	Logger      *zap.Logger
	StopTimeout time.Duration
}

type Manager struct {
	store   Store
	pool    Allocator
	issuer  Issuer
	stopper hypervisor.Stopper
	pub     events.Publisher
	clock   clockwork.Clock
	log     *zap.Logger

	stopTimeout time.Duration

	locks    opLocks
	timersMu sync.Mutex
	timers   map[string]clockwork.Timer
	bg       sync.WaitGroup
}

func NewManager(store Store, pool Allocator, issuer Issuer, stopper hypervisor.Stopper, pub events.Publisher, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if stopper == nil {
		stopper = hypervisor.NewFake()
	}
	return &Manager{
		store:       store,
		pool:        pool,
		issuer:      issuer,
		stopper:     stopper,
		pub:         pub,
		clock:       opts.Clock,
		log:         opts.Logger.Named("session"),
		stopTimeout: opts.StopTimeout,
		locks:       opLocks{held: make(map[string]*opLock)},
		timers:      make(map[string]clockwork.Timer),
	}
}

// Wait blocks until background hypervisor stops have finished.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// Close disarms every deadline timer. The sweep job picks the deadlines
// up again after a restart.
func (m *Manager) Close() {
	m.timersMu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.timersMu.Unlock()
	m.bg.Wait()
}

// opLocks is a keyed mutex. An entry lives only while someone holds or
// waits on it.
type opLocks struct {
	mu   sync.Mutex
	held map[string]*opLock
}

type opLock struct {
	mu   sync.Mutex
	refs int
}

// acquireOpLock ensures only one transition per key at a time.
func (m *Manager) acquireOpLock(key string) {
	m.locks.mu.Lock()
	l, ok := m.locks.held[key]
	if !ok {
		l = &opLock{}
		m.locks.held[key] = l
	}
	l.refs++
	m.locks.mu.Unlock()
	l.mu.Lock()
}

func (m *Manager) releaseOpLock(key string) {
	m.locks.mu.Lock()
	l, ok := m.locks.held[key]
	if !ok {
		m.locks.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks.held, key)
	}
	m.locks.mu.Unlock()
	l.mu.Unlock()
}

// OpLocks reports how many keyed locks are held or waited on.
func (m *Manager) OpLocks() int {
	m.locks.mu.Lock()
	defer m.locks.mu.Unlock()
	return len(m.locks.held)
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

func (m *Manager) newEvent(sess model.Session, kind model.EventKind, detail, clientAddr string, to model.SessionState) model.Event {
	return model.Event{
		ID:            uuid.NewString(),
		SessionID:     sess.ID,
		ExamID:        sess.ExamID,
		UserID:        sess.UserID,
		Kind:          kind,
		Detail:        detail,
		ClientAddress: clientAddr,
		FromState:     sess.State,
		ToState:       to,
		CreatedAt:     m.now(),
	}
}

// commit applies a state change and its event atomically.
func (m *Manager) commit(ctx context.Context, from model.SessionState, next model.Session, ev model.Event) (model.Session, model.Event, error) {
	next.UpdatedAt = ev.CreatedAt
	stored, err := m.store.CommitTransition(ctx, model.Transition{Session: next, From: from, Event: ev})
	if errors.Is(err, model.ErrConflict) {
		// another instance moved the session first; a session it closed
		// reports as closed rather than as a conflict
		if cur, gerr := m.store.GetSession(ctx, next.ID); gerr == nil && cur.State.Terminal() {
			return model.Session{}, model.Event{}, fmt.Errorf("%w: %s is %s", model.ErrSessionClosed, cur.ID, cur.State)
		}
	}
	if err != nil {
		return model.Session{}, model.Event{}, err
	}
	metrics.Default().IncCounter("proctor_session_transitions_total", map[string]string{"from": string(from), "to": string(next.State)})
	m.log.Info("session_transition",
		zap.String("session_id", next.ID),
		zap.String("user_id", next.UserID),
		zap.String("from", string(from)),
		zap.String("to", string(next.State)),
		zap.String("kind", string(ev.Kind)),
	)
	return next, stored, nil
}

// record logs a self-loop event. The session row is unchanged.
func (m *Manager) record(ctx context.Context, sess model.Session, kind model.EventKind, detail, clientAddr string) (model.Event, error) {
	return m.store.Append(ctx, m.newEvent(sess, kind, detail, clientAddr, sess.State))
}

func (m *Manager) armTimer(sess model.Session) {
	if sess.Deadline == nil || !sess.State.Running() {
		return
	}
	m.timersMu.Lock()
	_, armed := m.timers[sess.ID]
	m.timersMu.Unlock()
	if armed {
		return
	}
	d := sess.Deadline.Sub(m.now())
	if d <= 0 {
		return
	}
	id := sess.ID
	t := m.clock.AfterFunc(d, func() {
		if _, err := m.Expire(context.Background(), id); err != nil {
			m.log.Error("deadline_expiry_failed", zap.String("session_id", id), zap.Error(err))
		}
	})
	m.timersMu.Lock()
	m.timers[id] = t
	m.timersMu.Unlock()
}

func (m *Manager) disarmTimer(sessionID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// ArmedTimers reports how many deadline timers are pending.
func (m *Manager) ArmedTimers() int {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	return len(m.timers)
}
