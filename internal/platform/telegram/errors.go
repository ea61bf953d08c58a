package telegram

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"chatwarden/internal/platform"
)

// classify maps a telebot error to a platform category. Structured telebot
// errors are matched first; the description text is only consulted for the
// eviction messages telebot has no predefined error for.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return platform.Wrap(op, categoryOf(err), err)
}

func categoryOf(err error) platform.Category {
	switch {
	case errors.Is(err, tele.ErrChatNotFound):
		return platform.CategoryNotFound
	case errors.Is(err, tele.ErrKickedFromSuperGroup):
		return platform.CategoryBotRemovedFromLargeGroup
	case errors.Is(err, tele.ErrKickedFromGroup), errors.Is(err, tele.ErrKickedFromChannel):
		return platform.CategoryBotRemoved
	}

	desc := err.Error()
	var te *tele.Error
	if errors.As(err, &te) && te.Description != "" {
		desc = te.Description
	}
	desc = strings.ToLower(desc)
	switch {
	case strings.Contains(desc, "chat not found"):
		return platform.CategoryNotFound
	case strings.Contains(desc, "bot was kicked from the supergroup"):
		return platform.CategoryBotRemovedFromLargeGroup
	case strings.Contains(desc, "bot was kicked"), strings.Contains(desc, "bot is not a member"):
		return platform.CategoryBotRemoved
	}
	return platform.CategoryOther
}
