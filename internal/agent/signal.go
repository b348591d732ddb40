package agent

import (
	"fmt"
	"strings"
)

type SignalKind int

const (
	SignalStart SignalKind = iota + 1
	SignalFocusLost
	SignalFullscreenExit
	SignalPointerExit
	SignalPointerRegained
	SignalKey
	SignalViolationAck
	SignalInput
	SignalHeartbeatTick
	SignalSubmit
	SignalDeadline
	SignalUnload
)

var signalNames = map[string]SignalKind{
	"start":            SignalStart,
	"focus-lost":       SignalFocusLost,
	"fullscreen-exit":  SignalFullscreenExit,
	"pointer-exit":     SignalPointerExit,
	"pointer-regained": SignalPointerRegained,
	"key":              SignalKey,
	"ack":              SignalViolationAck,
	"input":            SignalInput,
	"heartbeat":        SignalHeartbeatTick,
	"submit":           SignalSubmit,
	"deadline":         SignalDeadline,
	"unload":           SignalUnload,
}

// Signal is one observation from the local environment. Combo is set for
// SignalKey.
type Signal struct {
	Kind  SignalKind
	Combo string
}

func (k SignalKind) String() string {
	for name, v := range signalNames {
		if v == k {
			return name
		}
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// ParseSignal reads the line form used by the command-line agent, e.g.
// "focus-lost" or "key alt+tab".
func ParseSignal(line string) (Signal, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return Signal{}, fmt.Errorf("empty signal")
	}
	kind, ok := signalNames[fields[0]]
	if !ok {
		return Signal{}, fmt.Errorf("unknown signal %q", fields[0])
	}
	sig := Signal{Kind: kind}
	if kind == SignalKey {
		if len(fields) != 2 {
			return Signal{}, fmt.Errorf("key signal needs one combo")
		}
		sig.Combo = normalizeCombo(fields[1])
	}
	return sig, nil
}

func normalizeCombo(c string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c)), " ", "")
}
