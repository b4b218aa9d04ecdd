package lifecycle

import (
	"fmt"
	"strings"
)

// State is the supervisor's authoritative view of a server.
type State int32

const (
	Inactive State = iota
	Starting
	Active
	Stopping
	Error
)

var stateNames = [...]string{
	Inactive: "inactive",
	Starting: "starting",
	Active:   "active",
	Stopping: "stopping",
	Error:    "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool { return s >= Inactive && s <= Error }

// Running reports whether a process is expected to exist in state s.
func (s State) Running() bool { return s == Starting || s == Active || s == Stopping }

func ParseState(v string) (State, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, n := range stateNames {
		if n == v {
			return State(i), nil
		}
	}
	return Inactive, fmt.Errorf("unknown lifecycle state %q", v)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid lifecycle state %d", int32(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Reason explains why a transition happened. It separates a requested stop
// from a process that went away on its own.
type Reason string

const (
	ReasonStartRequested Reason = "start_requested"
	ReasonLaunched       Reason = "launched"
	ReasonLaunchFailed   Reason = "launch_failed"
	ReasonStopRequested  Reason = "stop_requested"
	ReasonStopped        Reason = "stopped"
	ReasonExited         Reason = "exited"
	ReasonShutdown       Reason = "shutdown"
)

// TransitionError rejects a move the state machine does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}

// Transition validates from -> to and returns a *TransitionError when the
// pair is not part of the lifecycle.
func Transition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

func CanTransition(from, to State) bool {
	switch from {
	case Inactive:
		return to == Starting
	case Starting:
		return to == Active || to == Error
	case Active:
		return to == Stopping || to == Inactive
	case Stopping:
		return to == Inactive
	case Error:
		return to == Starting
	default:
		return false
	}
}

// Change describes one applied transition; it is the payload of a
// status_changed event.
type Change struct {
	From     State  `json:"from"`
	To       State  `json:"to"`
	Reason   Reason `json:"reason"`
	Error    string `json:"error,omitempty"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Forced   bool   `json:"forced,omitempty"`
}

// Crashed reports whether the change records an exit nobody asked for.
func (c Change) Crashed() bool {
	return c.From == Active && c.To == Inactive && c.Reason == ReasonExited
}
