package status

import (
	"encoding/json"
	"fmt"
)

// State is the kind of a group's cleaning status.
type State uint8

const (
	StateIdle State = iota
	StateQueued
	StateInProgress
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateQueued:
		return "Queued"
	case StateInProgress:
		return "InProgress"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Status is a group's cleaning status. Reason is only set for StateError.
type Status struct {
	State  State
	Reason string
}

var (
	Idle       = Status{State: StateIdle}
	Queued     = Status{State: StateQueued}
	InProgress = Status{State: StateInProgress}
)

// Error returns the failed status carrying reason.
func Error(reason string) Status { return Status{State: StateError, Reason: reason} }

// Claimable reports whether a clear request may take the group (Idle or Error).
func (s Status) Claimable() bool { return s.State == StateIdle || s.State == StateError }

func (s Status) String() string {
	if s.State == StateError {
		return "Error(" + s.Reason + ")"
	}
	return s.State.String()
}

// MarshalJSON encodes unit states as a bare string ("Idle") and errors as
// {"Error":"reason"}, the shape dashboards consume.
func (s Status) MarshalJSON() ([]byte, error) {
	if s.State == StateError {
		return json.Marshal(map[string]string{"Error": s.Reason})
	}
	return json.Marshal(s.State.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		switch name {
		case "Idle":
			*s = Idle
		case "Queued":
			*s = Queued
		case "InProgress":
			*s = InProgress
		default:
			return fmt.Errorf("status: unknown state %q", name)
		}
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	reason, ok := obj["Error"]
	if !ok || len(obj) != 1 {
		return fmt.Errorf("status: unexpected object %s", string(b))
	}
	*s = Error(reason)
	return nil
}
