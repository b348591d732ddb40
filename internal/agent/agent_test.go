package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/examgate/proctor-control-plane/internal/model"
)

func kindsOf(outs []Outbound) []model.EventKind {
	ks := make([]model.EventKind, 0, len(outs))
	for _, o := range outs {
		ks = append(ks, o.Kind)
	}
	return ks
}

func newTestAgent(t *testing.T, opts Options) *Agent {
	opts.Logger = zaptest.NewLogger(t)
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(time.Unix(0, 0))
	}
	return New(nopReporter{}, opts)
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, Outbound) error { return nil }

func feed(a *Agent, sigs ...Signal) []Outbound {
	var out []Outbound
	for _, s := range sigs {
		out = append(out, a.handle(s)...)
	}
	return out
}

func TestViolationSuppressedWhileDialogOpen(t *testing.T) {
	a := newTestAgent(t, Options{})
	out := feed(a,
		Signal{Kind: SignalStart},
		Signal{Kind: SignalFocusLost},
		Signal{Kind: SignalFullscreenExit},
		Signal{Kind: SignalPointerExit},
		Signal{Kind: SignalViolationAck},
		Signal{Kind: SignalKey, Combo: "alt+tab"},
	)
	assert.Equal(t, []model.EventKind{
		model.EventStart, model.EventViolation, model.EventStart, model.EventViolation,
	}, kindsOf(out))
	assert.Equal(t, "key:alt+tab", out[3].Detail)
	assert.True(t, a.state.ViolationOpen)
}

func TestViolationIgnoredBeforeStart(t *testing.T) {
	a := newTestAgent(t, Options{})
	assert.Empty(t, feed(a, Signal{Kind: SignalFocusLost}, Signal{Kind: SignalFullscreenExit}))
}

func TestUnlockHotkeyPausesWithoutViolation(t *testing.T) {
	a := newTestAgent(t, Options{})
	out := feed(a,
		Signal{Kind: SignalStart},
		Signal{Kind: SignalKey, Combo: "alt+enter"},
		Signal{Kind: SignalFocusLost},
		Signal{Kind: SignalPointerExit},
		Signal{Kind: SignalPointerRegained},
	)
	assert.Equal(t, []model.EventKind{model.EventStart, model.EventUnlock, model.EventStart}, kindsOf(out))
	assert.False(t, a.state.Paused)
}

func TestFullscreenExitWhilePausedIsViolation(t *testing.T) {
	a := newTestAgent(t, Options{})
	out := feed(a,
		Signal{Kind: SignalStart},
		Signal{Kind: SignalKey, Combo: "alt+enter"},
		Signal{Kind: SignalFullscreenExit},
	)
	assert.Equal(t, []model.EventKind{model.EventStart, model.EventUnlock, model.EventViolation}, kindsOf(out))
}

func TestHeartbeatOnlyAfterInput(t *testing.T) {
	a := newTestAgent(t, Options{})
	out := feed(a,
		Signal{Kind: SignalStart},
		Signal{Kind: SignalHeartbeatTick},
		Signal{Kind: SignalInput},
		Signal{Kind: SignalInput},
		Signal{Kind: SignalHeartbeatTick},
		Signal{Kind: SignalHeartbeatTick},
	)
	assert.Equal(t, []model.EventKind{model.EventStart, model.EventActive}, kindsOf(out))
}

func TestNoHeartbeatBeforeStart(t *testing.T) {
	a := newTestAgent(t, Options{})
	out := feed(a,
		Signal{Kind: SignalInput},
		Signal{Kind: SignalHeartbeatTick},
		Signal{Kind: SignalHeartbeatTick},
	)
	assert.Empty(t, out)

	out = feed(a, Signal{Kind: SignalStart}, Signal{Kind: SignalInput}, Signal{Kind: SignalHeartbeatTick})
	assert.Equal(t, []model.EventKind{model.EventStart, model.EventActive}, kindsOf(out))
}

func TestSubmittingSuppressesTeardownViolations(t *testing.T) {
	a := newTestAgent(t, Options{})
	out := feed(a,
		Signal{Kind: SignalStart},
		Signal{Kind: SignalDeadline},
		Signal{Kind: SignalFullscreenExit},
		Signal{Kind: SignalPointerExit},
		Signal{Kind: SignalSubmit},
		Signal{Kind: SignalUnload},
	)
	require.Equal(t, []model.EventKind{model.EventStart, model.EventSubmit}, kindsOf(out))
	assert.Equal(t, TimeoutDetail, out[1].Detail)
}

func TestUnloadReportsLeave(t *testing.T) {
	a := newTestAgent(t, Options{})
	out := feed(a, Signal{Kind: SignalStart}, Signal{Kind: SignalUnload}, Signal{Kind: SignalFocusLost})
	assert.Equal(t, []model.EventKind{model.EventStart, model.EventLeave}, kindsOf(out))
}

func TestAutoResolveViolation(t *testing.T) {
	a := newTestAgent(t, Options{AutoResolveViolation: true})
	out := feed(a,
		Signal{Kind: SignalStart},
		Signal{Kind: SignalFocusLost},
		Signal{Kind: SignalFocusLost},
	)
	assert.Equal(t, []model.EventKind{
		model.EventStart, model.EventViolation, model.EventStart, model.EventViolation, model.EventStart,
	}, kindsOf(out))
	assert.False(t, a.state.ViolationOpen)
}

func TestParseSignal(t *testing.T) {
	sig, err := ParseSignal("key Alt+Tab")
	require.NoError(t, err)
	assert.Equal(t, Signal{Kind: SignalKey, Combo: "alt+tab"}, sig)

	sig, err = ParseSignal("  focus-lost ")
	require.NoError(t, err)
	assert.Equal(t, SignalFocusLost, sig.Kind)

	_, err = ParseSignal("key")
	assert.Error(t, err)
	_, err = ParseSignal("dance")
	assert.Error(t, err)
}

type recordingReporter struct {
	mu       sync.Mutex
	got      []Outbound
	failures map[model.EventKind]int
	closedOn model.EventKind
}

func (r *recordingReporter) Report(_ context.Context, out Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures[out.Kind] > 0 {
		r.failures[out.Kind]--
		return fmt.Errorf("transient")
	}
	if r.closedOn != "" && out.Kind == r.closedOn {
		return backoff.Permanent(&StatusError{Status: 410, Code: "session_closed"})
	}
	r.got = append(r.got, out)
	return nil
}

func (r *recordingReporter) kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return kindsOf(r.got)
}

func fastRetry() RetryOptions {
	return RetryOptions{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxTries: 5}
}

func TestRunDeliversInOrderWithRetry(t *testing.T) {
	rep := &recordingReporter{failures: map[model.EventKind]int{model.EventViolation: 2}}
	a := New(rep, Options{Retry: fastRetry(), Clock: clockwork.NewFakeClockAt(time.Unix(0, 0)), Logger: zaptest.NewLogger(t)})

	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()

	a.Send(Signal{Kind: SignalStart})
	a.Send(Signal{Kind: SignalFocusLost})
	a.Send(Signal{Kind: SignalViolationAck})
	a.Send(Signal{Kind: SignalSubmit})

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not finish")
	}
	assert.Equal(t, []model.EventKind{
		model.EventStart, model.EventViolation, model.EventStart, model.EventSubmit,
	}, rep.kinds())
	assert.False(t, a.Send(Signal{Kind: SignalInput}))
}

func TestRunStopsWhenServerClosedSession(t *testing.T) {
	rep := &recordingReporter{closedOn: model.EventActive}
	a := New(rep, Options{Retry: fastRetry(), Clock: clockwork.NewFakeClockAt(time.Unix(0, 0)), Logger: zaptest.NewLogger(t)})

	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()

	a.Send(Signal{Kind: SignalStart})
	a.Send(Signal{Kind: SignalInput})
	a.Send(Signal{Kind: SignalHeartbeatTick})

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, model.ErrSessionClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
