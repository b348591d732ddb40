package model

import "time"

type MachineStatus string

const (
	MachineFree      MachineStatus = "free"
	MachineAllocated MachineStatus = "allocated"
)

// Machine is one unit of remote-desktop capacity. Owner is the user id
// holding it and SessionID the session it was allocated for; Status is
// MachineAllocated exactly when Owner is set.
type Machine struct {
	ID           string
	Label        string
	Address      string
	Port         int
	Username     string
	Password     string
	HypervisorID string
	Status       MachineStatus
	Owner        string
	SessionID    string
	AllocatedAt  *time.Time
}

func (m Machine) IsFree() bool {
	return m.Owner == ""
}

func (m Machine) Holder() Holder {
	return Holder{UserID: m.Owner, SessionID: m.SessionID}
}

// Holder names who a machine is allocated to. The zero Holder is a free
// machine.
type Holder struct {
	UserID    string
	SessionID string
}

func (h Holder) IsZero() bool {
	return h.UserID == "" && h.SessionID == ""
}

type SessionState string

const (
	StateNotStarted SessionState = "NOT_STARTED"
	StateAllocated  SessionState = "ALLOCATED"
	StateActive     SessionState = "ACTIVE"
	StatePaused     SessionState = "PAUSED"
	StateViolation  SessionState = "VIOLATION"
	StateSubmitted  SessionState = "SUBMITTED"
	StateLeft       SessionState = "LEFT"
)

func (s SessionState) Terminal() bool {
	return s == StateSubmitted || s == StateLeft
}

// Holding reports whether a session in this state owns a machine.
func (s SessionState) Holding() bool {
	switch s {
	case StateAllocated, StateActive, StatePaused, StateViolation:
		return true
	}
	return false
}

// Running reports whether the deadline applies to this state.
func (s SessionState) Running() bool {
	return s == StateActive || s == StatePaused || s == StateViolation
}

type CloseReason string

const (
	ReasonNone       CloseReason = ""
	ReasonClient     CloseReason = "CLIENT"
	ReasonTimeout    CloseReason = "TIMEOUT"
	ReasonDisconnect CloseReason = "DISCONNECT"
)

type Session struct {
	ID            string       `json:"id"`
	ExamID        string       `json:"exam_id"`
	UserID        string       `json:"user_id"`
	MachineID     string       `json:"machine_id,omitempty"`
	State         SessionState `json:"state"`
	Reason        CloseReason  `json:"reason,omitempty"`
	ViolationOpen bool         `json:"violation_open"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	Deadline      *time.Time   `json:"deadline,omitempty"`
	ClosedAt      *time.Time   `json:"closed_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// DeadlinePassed reports whether a running session has reached its deadline at now.
func (s Session) DeadlinePassed(now time.Time) bool {
	if !s.State.Running() || s.Deadline == nil {
		return false
	}
	return !now.Before(*s.Deadline)
}

type EventKind string

const (
	EventJoin      EventKind = "JOIN"
	EventStart     EventKind = "START"
	EventUnlock    EventKind = "UNLOCK"
	EventViolation EventKind = "VIOLATION"
	EventActive    EventKind = "ACTIVE"
	EventSubmit    EventKind = "SUBMIT"
	EventLeave     EventKind = "LEAVE"
)

var eventKinds = map[EventKind]struct{}{
	EventJoin: {}, EventStart: {}, EventUnlock: {}, EventViolation: {},
	EventActive: {}, EventSubmit: {}, EventLeave: {},
}

func ParseEventKind(v string) (EventKind, bool) {
	k := EventKind(v)
	// older browser clients report pauses as UNLOCK_MOUSE
	if v == "UNLOCK_MOUSE" {
		k = EventUnlock
	}
	_, ok := eventKinds[k]
	return k, ok
}

// Event is an immutable ledger entry. Seq is assigned by the ledger on
// append and breaks timestamp ties in insertion order.
type Event struct {
	Seq           int64        `json:"seq"`
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	ExamID        string       `json:"exam_id"`
	UserID        string       `json:"user_id"`
	Kind          EventKind    `json:"kind"`
	Detail        string       `json:"detail,omitempty"`
	ClientAddress string       `json:"client_address,omitempty"`
	FromState     SessionState `json:"from_state"`
	ToState       SessionState `json:"to_state"`
	CreatedAt     time.Time    `json:"created_at"`
}

type Exam struct {
	ID         string
	Name       string
	AccessCode string
	Duration   time.Duration
}

// MachineReleased is published after a terminal transition hands a
// machine back to the pool.
type MachineReleased struct {
	SessionID  string      `json:"session_id"`
	MachineID  string      `json:"machine_id"`
	UserID     string      `json:"user_id"`
	ExamID     string      `json:"exam_id"`
	Reason     CloseReason `json:"reason"`
	ReleasedAt time.Time   `json:"released_at"`
}
