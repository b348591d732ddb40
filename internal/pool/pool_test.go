package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/examgate/proctor-control-plane/internal/kvstore"
	"github.com/examgate/proctor-control-plane/internal/model"
)

var start = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func newTestPool(t *testing.T, ports ...int) (*Pool, *kvstore.Store, *clockwork.FakeClock) {
	t.Helper()
	s, err := kvstore.Open(kvstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var ms []model.Machine
	for _, p := range ports {
		ms = append(ms, model.Machine{ID: fmt.Sprintf("pc-%d", p), Address: "192.168.1.10", Port: p, Label: fmt.Sprintf("PC %d", p)})
	}
	require.NoError(t, s.UpsertMachines(context.Background(), ms))
	clk := clockwork.NewFakeClockAt(start)
	return New(s, clk, zaptest.NewLogger(t)), s, clk
}

func hold(user string) model.Holder {
	return model.Holder{UserID: user, SessionID: "ses_" + user}
}

func TestAllocateLowestPortThenNext(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, 200, 100)

	a, err := p.Allocate(ctx, hold("alice"))
	require.NoError(t, err)
	assert.Equal(t, 100, a.Port)
	assert.Equal(t, "ses_alice", a.SessionID)
	require.NotNil(t, a.AllocatedAt)
	assert.Equal(t, start, *a.AllocatedAt)

	b, err := p.Allocate(ctx, hold("bob"))
	require.NoError(t, err)
	assert.Equal(t, 200, b.Port)

	_, err = p.Allocate(ctx, hold("carol"))
	require.ErrorIs(t, err, model.ErrPoolExhausted)
}

func TestAllocateIsIdempotentPerHolder(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, 100, 200)

	first, err := p.Allocate(ctx, hold("alice"))
	require.NoError(t, err)
	again, err := p.Allocate(ctx, hold("alice"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// the second machine is still free
	other, err := p.Allocate(ctx, hold("bob"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAllocateRefusesUserHeldForAnotherSession(t *testing.T) {
	ctx := context.Background()
	p, s, _ := newTestPool(t, 100, 200)

	_, err := p.Allocate(ctx, model.Holder{UserID: "alice", SessionID: "ses_math"})
	require.NoError(t, err)

	_, err = p.Allocate(ctx, model.Holder{UserID: "alice", SessionID: "ses_physics"})
	require.ErrorIs(t, err, model.ErrBusyElsewhere)

	free, err := s.ListFreeMachines(ctx)
	require.NoError(t, err)
	assert.Len(t, free, 1)
}

func TestReleaseReturnsMachineToPool(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, 100)

	_, err := p.Allocate(ctx, hold("alice"))
	require.NoError(t, err)
	released, err := p.Release(ctx, hold("alice"))
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.True(t, released.IsFree())

	noop, err := p.Release(ctx, hold("alice"))
	require.NoError(t, err)
	assert.Nil(t, noop)

	m, err := p.Allocate(ctx, hold("bob"))
	require.NoError(t, err)
	assert.Equal(t, 100, m.Port)
}

func TestReleaseForStaleSessionKeepsNewerHold(t *testing.T) {
	ctx := context.Background()
	p, s, _ := newTestPool(t, 100)

	_, err := p.Allocate(ctx, model.Holder{UserID: "alice", SessionID: "ses_physics"})
	require.NoError(t, err)

	// a release left over from alice's earlier session
	released, err := p.Release(ctx, model.Holder{UserID: "alice", SessionID: "ses_math"})
	require.NoError(t, err)
	assert.Nil(t, released)

	m, err := s.MachineByOwner(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ses_physics", m.SessionID)

	_, err = p.Allocate(ctx, hold("carol"))
	require.ErrorIs(t, err, model.ErrPoolExhausted)
}

func TestConcurrentAllocateNeverDoubleAssigns(t *testing.T) {
	ctx := context.Background()
	const machines, users = 4, 12
	ports := make([]int, machines)
	for i := range ports {
		ports[i] = 100 + i
	}
	p, _, _ := newTestPool(t, ports...)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		owners    = map[string]string{}
		exhausted int
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			m, err := p.Allocate(ctx, hold(user))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, model.ErrPoolExhausted)
				exhausted++
				return
			}
			prev, taken := owners[m.ID]
			assert.False(t, taken, "machine %s given to %s and %s", m.ID, prev, user)
			owners[m.ID] = user
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()

	assert.Len(t, owners, machines)
	assert.Equal(t, users-machines, exhausted)
}

func TestConcurrentAllocateSameHolder(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, 100, 200, 300)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := p.Allocate(ctx, hold("alice"))
			assert.NoError(t, err)
			ids[i] = m.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestOrphansHonourGraceOnInjectedClock(t *testing.T) {
	ctx := context.Background()
	p, s, clk := newTestPool(t, 100, 200)

	_, err := p.Allocate(ctx, hold("alice"))
	require.NoError(t, err)
	_, err = p.Allocate(ctx, hold("bob"))
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(ctx, model.Session{ID: "ses_alice", ExamID: "e1", UserID: "alice", State: model.StateActive}))

	orphans, err := p.Orphans(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	clk.Advance(61 * time.Minute)
	orphans, err = p.Orphans(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "bob", orphans[0].Owner)

	ok, err := p.ReleaseOrphan(ctx, orphans[0])
	require.NoError(t, err)
	assert.True(t, ok)
	// already freed
	ok, err = p.ReleaseOrphan(ctx, orphans[0])
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := s.MachineByOwner(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, m)
	m, err = s.MachineByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestReleaseOrphanSkipsReallocatedMachine(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, 100)

	bob, err := p.Allocate(ctx, hold("bob"))
	require.NoError(t, err)
	_, err = p.Release(ctx, hold("bob"))
	require.NoError(t, err)
	_, err = p.Allocate(ctx, hold("carol"))
	require.NoError(t, err)

	// bob's listing is stale, carol holds the machine now
	ok, err := p.ReleaseOrphan(ctx, bob)
	require.NoError(t, err)
	assert.False(t, ok)
}
