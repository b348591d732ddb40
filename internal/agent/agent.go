// Package agent is the client side of a proctored session. A single
// loop turns local environment signals into session events; an outbox
// goroutine delivers them in order with retry so the loop never waits
// on the network.
package agent

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/model"
)

const TimeoutDetail = "TIMEOUT"

// Outbound is an event queued for the server.
type Outbound struct {
	Kind   model.EventKind
	Detail string
}

type Reporter interface {
	Report(ctx context.Context, out Outbound) error
}

type Options struct {
	UnlockHotkey      string
	ForbiddenCombos   []string
	HeartbeatInterval time.Duration
	// AutoResolveViolation acknowledges every violation as soon as it is
	// reported instead of holding a dialog open.
	AutoResolveViolation bool
	Retry                RetryOptions
	Clock                clockwork.Clock
	Logger               *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		UnlockHotkey:      "alt+enter",
		ForbiddenCombos:   []string{"alt+tab", "meta", "contextmenu"},
		HeartbeatInterval: 60 * time.Second,
		Retry:             DefaultRetryOptions(),
	}
}

// State is the agent's local view of the session.
type State struct {
	Started       bool
	Paused        bool
	ViolationOpen bool
	Submitting    bool
	InputSeen     bool
}

type Agent struct {
	opts    Options
	clock   clockwork.Clock
	log     *zap.Logger
	outbox  *outbox
	signals chan Signal
	done    chan struct{}

	// owned by the loop goroutine
	state State
}

func New(reporter Reporter, opts Options) *Agent {
	def := DefaultOptions()
	if opts.UnlockHotkey == "" {
		opts.UnlockHotkey = def.UnlockHotkey
	}
	if opts.ForbiddenCombos == nil {
		opts.ForbiddenCombos = def.ForbiddenCombos
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.UnlockHotkey = normalizeCombo(opts.UnlockHotkey)
	combos := make([]string, 0, len(opts.ForbiddenCombos))
	for _, c := range opts.ForbiddenCombos {
		combos = append(combos, normalizeCombo(c))
	}
	opts.ForbiddenCombos = combos

	log := opts.Logger.Named("agent")
	return &Agent{
		opts:    opts,
		clock:   opts.Clock,
		log:     log,
		outbox:  newOutbox(reporter, opts.Retry, log),
		signals: make(chan Signal, 64),
		done:    make(chan struct{}),
	}
}

// Send hands a signal to the loop. It reports false once the agent has
// stopped.
func (a *Agent) Send(sig Signal) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.signals <- sig:
		return true
	case <-a.done:
		return false
	}
}

// Run drives the loop until the session ends. It returns nil after a
// SUBMIT or LEAVE has been delivered and model.ErrSessionClosed when the
// server has already closed the session.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan error, 1)
	go a.outbox.run(ctx, finished)

	ticker := a.clock.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-finished:
			if errors.Is(err, model.ErrSessionClosed) {
				a.log.Info("session_closed_by_server")
			}
			return err
		case <-ticker.Chan():
			a.dispatch(Signal{Kind: SignalHeartbeatTick})
		case sig := <-a.signals:
			a.dispatch(sig)
		}
	}
}

func (a *Agent) dispatch(sig Signal) {
	for _, out := range a.handle(sig) {
		a.outbox.push(out)
	}
}

// handle applies one signal to the local state and returns the events to
// report.
func (a *Agent) handle(sig Signal) []Outbound {
	s := &a.state
	switch sig.Kind {
	case SignalStart:
		switch {
		case s.Submitting:
		case !s.Started:
			s.Started = true
			return []Outbound{{Kind: model.EventStart}}
		case s.Paused && !s.ViolationOpen:
			s.Paused = false
			return []Outbound{{Kind: model.EventStart, Detail: "relock"}}
		}
	case SignalPointerRegained:
		if s.Started && s.Paused && !s.ViolationOpen && !s.Submitting {
			s.Paused = false
			return []Outbound{{Kind: model.EventStart, Detail: "relock"}}
		}
	case SignalKey:
		if sig.Combo == a.opts.UnlockHotkey {
			if s.Started && !s.Paused && !s.ViolationOpen && !s.Submitting {
				s.Paused = true
				return []Outbound{{Kind: model.EventUnlock, Detail: sig.Combo}}
			}
			return nil
		}
		if slices.Contains(a.opts.ForbiddenCombos, sig.Combo) {
			return a.violation("key:" + sig.Combo)
		}
	case SignalFocusLost:
		if !s.Paused {
			return a.violation("focus-lost")
		}
	case SignalPointerExit:
		if !s.Paused {
			return a.violation("pointer-exit")
		}
	case SignalFullscreenExit:
		return a.violation("fullscreen-exit")
	case SignalViolationAck:
		if s.ViolationOpen && !s.Submitting {
			s.ViolationOpen = false
			s.Paused = false
			return []Outbound{{Kind: model.EventStart, Detail: "violation-ack"}}
		}
	case SignalInput:
		s.InputSeen = true
	case SignalHeartbeatTick:
		if s.Started && s.InputSeen && !s.Submitting {
			s.InputSeen = false
			return []Outbound{{Kind: model.EventActive}}
		}
	case SignalSubmit, SignalDeadline:
		if s.Submitting {
			return nil
		}
		// set before reporting so the teardown that follows is not a violation
		s.Submitting = true
		detail := ""
		if sig.Kind == SignalDeadline {
			detail = TimeoutDetail
		}
		return []Outbound{{Kind: model.EventSubmit, Detail: detail}}
	case SignalUnload:
		if s.Submitting {
			return nil
		}
		s.Submitting = true
		return []Outbound{{Kind: model.EventLeave}}
	}
	return nil
}

func (a *Agent) violation(detail string) []Outbound {
	s := &a.state
	if !s.Started || s.Submitting || s.ViolationOpen {
		return nil
	}
	out := []Outbound{{Kind: model.EventViolation, Detail: detail}}
	if a.opts.AutoResolveViolation {
		s.Paused = false
		return append(out, Outbound{Kind: model.EventStart, Detail: "violation-ack"})
	}
	s.ViolationOpen = true
	return out
}
