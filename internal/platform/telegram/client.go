package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	"chatwarden/internal/platform"
)

// kickBanWindow is how long a kick ban lasts. Telegram treats bans shorter
// than 30s as permanent, so a one minute ban is the shortest safe kick.
const kickBanWindow = time.Minute

var _ platform.Platform = (*Adapter)(nil)

// wait blocks on the outbound limiter.
func (a *Adapter) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}

// FetchOwnIdentity returns the identity telebot resolved with getMe at startup.
func (a *Adapter) FetchOwnIdentity(context.Context) (platform.Identity, error) {
	me := a.bot.Me
	if me == nil || me.ID == 0 {
		return platform.Identity{}, errors.New("telegram: bot identity unknown")
	}
	return platform.Identity{ID: me.ID, Username: me.Username}, nil
}

func (a *Adapter) FetchGroup(ctx context.Context, groupID int64) (platform.Group, error) {
	if err := a.wait(ctx); err != nil {
		return platform.Group{}, err
	}
	chat, err := a.bot.ChatByID(groupID)
	if err != nil {
		return platform.Group{}, classify("get_chat", err)
	}
	return platform.Group{ID: chat.ID, Title: chat.Title, Kind: groupKind(chat.Type)}, nil
}

func groupKind(t tele.ChatType) platform.GroupKind {
	switch t {
	case tele.ChatSuperGroup:
		return platform.KindSupergroup
	case tele.ChatChannel, tele.ChatChannelPrivate:
		return platform.KindChannel
	case tele.ChatGroup:
		return platform.KindGroup
	default:
		return platform.KindPrivate
	}
}

func (a *Adapter) FetchMembership(ctx context.Context, groupID, userID int64) (platform.Role, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	m, err := a.bot.ChatMemberOf(&tele.Chat{ID: groupID}, &tele.User{ID: userID})
	if err != nil {
		return "", classify("get_chat_member", err)
	}
	return platform.Role(m.Role), nil
}

func (a *Adapter) RemoveMember(ctx context.Context, groupID, userID int64, mode platform.RemoveMode) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	chat := &tele.Chat{ID: groupID}
	user := &tele.User{ID: userID}
	switch mode {
	case platform.RemoveUnban:
		// unbanChatMember on a current member removes them and leaves no ban behind
		if err := a.bot.Unban(chat, user); err != nil {
			return classify("unban_chat_member", err)
		}
	default:
		until := time.Now().Add(kickBanWindow).Unix()
		if err := a.bot.Ban(chat, &tele.ChatMember{User: user, RestrictedUntil: until}); err != nil {
			return classify("ban_chat_member", err)
		}
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, groupID int64, text string) error {
	chat := &tele.Chat{ID: groupID}
	for _, chunk := range splitText(text, textLimit, string(a.parseMode)) {
		if err := a.wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{ParseMode: a.parseMode}); err != nil {
			return classify("send_message", err)
		}
	}
	return nil
}

func (a *Adapter) SendMediaGroup(ctx context.Context, groupID int64, images []platform.Image) error {
	if len(images) == 0 {
		return nil
	}
	if len(images) > platform.MaxAlbum {
		return fmt.Errorf("%w: album of %d exceeds %d", platform.ErrInvalidImage, len(images), platform.MaxAlbum)
	}
	if err := a.wait(ctx); err != nil {
		return err
	}
	chat := &tele.Chat{ID: groupID}
	// sendMediaGroup needs at least two items; one image goes out as a photo.
	if len(images) == 1 {
		if _, err := a.bot.Send(chat, photoOf(images[0])); err != nil {
			return classify("send_photo", err)
		}
		return nil
	}
	album := make(tele.Album, 0, len(images))
	for _, img := range images {
		album = append(album, photoOf(img))
	}
	if _, err := a.bot.SendAlbum(chat, album); err != nil {
		return classify("send_media_group", err)
	}
	return nil
}

func photoOf(img platform.Image) *tele.Photo {
	f := tele.FromReader(bytes.NewReader(img.Data))
	return &tele.Photo{File: f}
}

func (a *Adapter) DeleteMessage(ctx context.Context, groupID int64, messageID int) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	if err := a.bot.Delete(&tele.Message{ID: messageID, Chat: &tele.Chat{ID: groupID}}); err != nil {
		return classify("delete_message", err)
	}
	return nil
}

// SendLog implements logx.Sender for the operator log chat. Log lines are
// plain text and bypass the configured parse mode.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true})
	return err
}
