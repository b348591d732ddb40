package model

import "time"

// Transition is a session state change together with the ledger entry
// recording it. Backends apply both atomically and only if the stored
// session is still in From.
type Transition struct {
	Session Session
	From    SessionState
	Event   Event
}

// EventQuery selects ledger entries for one session or one exam.
// Since and AfterSeq are cursors; zero values read from the start.
type EventQuery struct {
	SessionID string
	ExamID    string
	Since     time.Time
	AfterSeq  int64
	Limit     int
}
