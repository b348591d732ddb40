// Package monitor builds the proctor's live view of an exam: every
// session joined with its machine and latest event, plus idle machines.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/examgate/proctor-control-plane/internal/metrics"
	"github.com/examgate/proctor-control-plane/internal/model"
)

type Store interface {
	ListSessionsByExam(ctx context.Context, examID string) ([]model.Session, error)
	ListMachines(ctx context.Context) ([]model.Machine, error)
	LatestEventsByExam(ctx context.Context, examID string) (map[string]model.Event, error)
}

// Row is one line of the snapshot. Session is nil for idle capacity;
// Machine is nil for a session that has not been allocated one.
type Row struct {
	Session       *model.Session `json:"session"`
	Machine       *MachineView   `json:"machine"`
	LatestEvent   *model.Event   `json:"latest_event"`
	Violation     bool           `json:"violation"`
	ClientAddress string         `json:"client_address,omitempty"`
	LastSeen      *time.Time     `json:"last_seen,omitempty"`
}

// MachineView is a machine without its credentials.
type MachineView struct {
	ID     string              `json:"id"`
	Label  string              `json:"label"`
	Port   int                 `json:"port"`
	Status model.MachineStatus `json:"status"`
	Owner  string              `json:"owner,omitempty"`
}

type Summary struct {
	Total        int `json:"total"`
	Online       int `json:"online"`
	Violation    int `json:"violation"`
	Submitted    int `json:"submitted"`
	IdleMachines int `json:"idle_machines"`
}

type Snapshot struct {
	ExamID      string    `json:"exam_id"`
	Rows        []Row     `json:"rows"`
	Summary     Summary   `json:"summary"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

type cached struct {
	snap Snapshot
	at   time.Time
}

// Monitor serves snapshots no older than the refresh interval. Concurrent
// reads for the same exam share one build.
type Monitor struct {
	store   Store
	clock   clockwork.Clock
	refresh time.Duration
	log     *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cached
}

func New(store Store, refresh time.Duration, clk clockwork.Clock, log *zap.Logger) *Monitor {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{store: store, clock: clk, refresh: refresh, log: log.Named("monitor"), cache: make(map[string]cached)}
}

func (m *Monitor) Snapshot(ctx context.Context, examID string) (Snapshot, error) {
	now := m.clock.Now().UTC()
	m.mu.Lock()
	c, ok := m.cache[examID]
	m.mu.Unlock()
	if ok && m.refresh > 0 && now.Sub(c.at) < m.refresh {
		metrics.Default().IncCounter("proctor_snapshot_builds_total", map[string]string{"source": "cache"})
		return c.snap, nil
	}

	v, err, shared := m.group.Do(examID, func() (any, error) {
		snap, err := m.build(context.WithoutCancel(ctx), examID)
		if err != nil {
			return Snapshot{}, err
		}
		m.mu.Lock()
		m.cache[examID] = cached{snap: snap, at: snap.RefreshedAt}
		m.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	source := "build"
	if shared {
		source = "shared"
	}
	metrics.Default().IncCounter("proctor_snapshot_builds_total", map[string]string{"source": source})
	return v.(Snapshot), nil
}

// Invalidate drops the cached snapshot for an exam.
func (m *Monitor) Invalidate(examID string) {
	m.mu.Lock()
	delete(m.cache, examID)
	m.mu.Unlock()
}

func (m *Monitor) build(ctx context.Context, examID string) (Snapshot, error) {
	var (
		sessions []model.Session
		machines []model.Machine
		latest   map[string]model.Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sessions, err = m.store.ListSessionsByExam(gctx, examID)
		return err
	})
	g.Go(func() error {
		var err error
		machines, err = m.store.ListMachines(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		latest, err = m.store.LatestEventsByExam(gctx, examID)
		return err
	})
	if err := g.Wait(); err != nil {
		m.log.Warn("snapshot_build_failed", zap.String("exam_id", examID), zap.Error(err))
		return Snapshot{}, err
	}
	return compose(examID, sessions, machines, latest, m.clock.Now().UTC()), nil
}

// holds reports whether mc is currently allocated to sess. Rows written
// before holder sessions were tracked only carry the owner.
func holds(mc model.Machine, sess model.Session) bool {
	return mc.Owner == sess.UserID && (mc.SessionID == "" || mc.SessionID == sess.ID)
}

func compose(examID string, sessions []model.Session, machines []model.Machine, latest map[string]model.Event, now time.Time) Snapshot {
	byID := make(map[string]model.Machine, len(machines))
	for _, mc := range machines {
		byID[mc.ID] = mc
	}
	claimed := make(map[string]bool)

	snap := Snapshot{ExamID: examID, Rows: make([]Row, 0, len(sessions)+len(machines)), RefreshedAt: now}
	for i := range sessions {
		sess := sessions[i]
		row := Row{Session: &sess, Violation: sess.ViolationOpen || sess.State == model.StateViolation}
		if sess.State.Holding() && sess.MachineID != "" {
			if mc, ok := byID[sess.MachineID]; ok && holds(mc, sess) {
				row.Machine = view(mc)
				claimed[mc.ID] = true
			}
		}
		if ev, ok := latest[sess.ID]; ok {
			ev := ev
			row.LatestEvent = &ev
			row.ClientAddress = ev.ClientAddress
			seen := ev.CreatedAt
			row.LastSeen = &seen
		}
		snap.Rows = append(snap.Rows, row)

		snap.Summary.Total++
		switch {
		case sess.State == model.StateSubmitted:
			snap.Summary.Submitted++
		case sess.State.Holding():
			snap.Summary.Online++
		}
		if row.Violation {
			snap.Summary.Violation++
		}
	}
	for _, mc := range machines {
		if claimed[mc.ID] || !mc.IsFree() {
			continue
		}
		snap.Rows = append(snap.Rows, Row{Machine: view(mc)})
		snap.Summary.IdleMachines++
	}
	sort.SliceStable(snap.Rows, func(i, j int) bool {
		return rowPort(snap.Rows[i]) < rowPort(snap.Rows[j])
	})
	return snap
}

// rows without a machine sort last
func rowPort(r Row) int {
	if r.Machine == nil {
		return int(^uint(0) >> 1)
	}
	return r.Machine.Port
}

func view(mc model.Machine) *MachineView {
	return &MachineView{ID: mc.ID, Label: mc.Label, Port: mc.Port, Status: mc.Status, Owner: mc.Owner}
}
