package platform

import (
	"errors"
	"fmt"
)

var ErrInvalidImage = errors.New("platform: invalid image")

// Category classifies platform failures for callers that act on them.
type Category uint8

const (
	CategoryOther Category = iota
	CategoryNotFound
	CategoryBotRemoved
	CategoryBotRemovedFromLargeGroup
)

func (c Category) String() string {
	switch c {
	case CategoryNotFound:
		return "not_found"
	case CategoryBotRemoved:
		return "bot_removed"
	case CategoryBotRemovedFromLargeGroup:
		return "bot_removed_from_large_group"
	default:
		return "other"
	}
}

// BotGone reports whether the category proves the bot is no longer in the group.
func (c Category) BotGone() bool {
	return c == CategoryNotFound || c == CategoryBotRemoved || c == CategoryBotRemovedFromLargeGroup
}

type Error struct {
	Op       string
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("platform (%s): %v", e.Category, e.Err)
	}
	return fmt.Sprintf("platform %s (%s): %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches an operation and category to err.
func Wrap(op string, c Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Category: c, Err: err}
}

// CategoryOf returns the category of the first *Error in err's chain.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryOther
}
