package moderation

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownGroup = errors.New("moderation: unknown group")
	ErrBusy         = errors.New("moderation: group is already queued or in progress")
)

// ChatError is a chat-level sweep failure: the group itself could not be
// read. Its reason is what the group's Error status shows.
type ChatError struct {
	GroupID int64
	Err     error
}

func (e *ChatError) Error() string { return fmt.Sprintf("group %d: %v", e.GroupID, e.Err) }

func (e *ChatError) Unwrap() error { return e.Err }

func (e *ChatError) Reason() string { return e.Err.Error() }
