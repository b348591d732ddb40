// Package ledger defines the append-only session event log and the rules
// a recorded event sequence must follow.
package ledger

import (
	"context"
	"fmt"
	"iter"

	"github.com/examgate/proctor-control-plane/internal/model"
)

// Ledger is implemented by both storage backends. Query is lazy and may be
// re-run from any cursor; it never mutates.
type Ledger interface {
	Append(ctx context.Context, ev model.Event) (model.Event, error)
	Query(ctx context.Context, q model.EventQuery) iter.Seq2[model.Event, error]
	LatestEventsByExam(ctx context.Context, examID string) (map[string]model.Event, error)
}

// Collect drains a query into a slice.
func Collect(seq iter.Seq2[model.Event, error]) ([]model.Event, error) {
	out := make([]model.Event, 0)
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

type edge struct {
	kind model.EventKind
	from model.SessionState
}

// allowed lists every (kind, from) pair with the state it leads to.
// Self-loops are logged without changing state.
var allowed = map[edge]model.SessionState{
	{model.EventJoin, model.StateNotStarted}: model.StateAllocated,
	{model.EventJoin, model.StateAllocated}:  model.StateAllocated,
	{model.EventJoin, model.StateActive}:     model.StateActive,
	{model.EventJoin, model.StatePaused}:     model.StatePaused,
	{model.EventJoin, model.StateViolation}:  model.StateViolation,

	{model.EventStart, model.StateAllocated}: model.StateActive,
	{model.EventStart, model.StatePaused}:    model.StateActive,
	{model.EventStart, model.StateViolation}: model.StateActive,

	{model.EventUnlock, model.StateActive}: model.StatePaused,

	{model.EventViolation, model.StateActive}:    model.StateViolation,
	{model.EventViolation, model.StatePaused}:    model.StateViolation,
	{model.EventViolation, model.StateViolation}: model.StateViolation,

	{model.EventActive, model.StateAllocated}: model.StateAllocated,
	{model.EventActive, model.StateActive}:    model.StateActive,
	{model.EventActive, model.StatePaused}:    model.StatePaused,
	{model.EventActive, model.StateViolation}: model.StateViolation,

	{model.EventSubmit, model.StateActive}:    model.StateSubmitted,
	{model.EventSubmit, model.StatePaused}:    model.StateSubmitted,
	{model.EventSubmit, model.StateViolation}: model.StateSubmitted,

	{model.EventLeave, model.StateNotStarted}: model.StateLeft,
	{model.EventLeave, model.StateAllocated}:  model.StateLeft,
	{model.EventLeave, model.StateActive}:     model.StateLeft,
	{model.EventLeave, model.StatePaused}:     model.StateLeft,
	{model.EventLeave, model.StateViolation}:  model.StateLeft,
}

// Next returns the state an event of kind moves a session in from to.
// It fails with model.ErrInvalidTransition for pairs outside the diagram.
func Next(from model.SessionState, kind model.EventKind) (model.SessionState, error) {
	to, ok := allowed[edge{kind: kind, from: from}]
	if !ok {
		return from, fmt.Errorf("%w: %s in %s", model.ErrInvalidTransition, kind, from)
	}
	return to, nil
}

// ValidatePath checks that a session's events, in ledger order, form a
// walk through the state diagram starting at NOT_STARTED. A second
// VIOLATION entry is only valid as a logged repeat while still in
// VIOLATION.
func ValidatePath(events []model.Event) error {
	state := model.StateNotStarted
	for i, ev := range events {
		if ev.FromState != state {
			return fmt.Errorf("event %d (%s): recorded from %s, session was %s", i, ev.Kind, ev.FromState, state)
		}
		if state.Terminal() {
			return fmt.Errorf("event %d (%s): after terminal state %s", i, ev.Kind, state)
		}
		to, err := Next(state, ev.Kind)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if ev.ToState != to {
			return fmt.Errorf("event %d (%s): recorded to %s, expected %s", i, ev.Kind, ev.ToState, to)
		}
		state = to
	}
	return nil
}
