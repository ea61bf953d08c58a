package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"chatwarden/internal/platform"
	"chatwarden/internal/transport"
	logx "chatwarden/pkg/logx"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want platform.Category
	}{
		{"chat not found", tele.ErrChatNotFound, platform.CategoryNotFound},
		{"kicked from group", tele.ErrKickedFromGroup, platform.CategoryBotRemoved},
		{"kicked from channel", fmt.Errorf("wrapped: %w", tele.ErrKickedFromChannel), platform.CategoryBotRemoved},
		{"kicked from supergroup", tele.ErrKickedFromSuperGroup, platform.CategoryBotRemovedFromLargeGroup},
		{"text fallback", errors.New("telegram: Forbidden: bot is not a member of the supergroup chat (403)"), platform.CategoryBotRemoved},
		{"transient", errors.New("telegram: Too Many Requests: retry after 5 (429)"), platform.CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("get_chat_member", tt.err)
			assert.Equal(t, tt.want, platform.CategoryOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, classify("x", nil))
}

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(s, 10, ""))
}

func TestSplitTextKeepsMarkdownEscapes(t *testing.T) {
	s := strings.Repeat("a", 9) + `\.` + "tail"
	chunks := splitText(s, 10, "MarkdownV2")
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 9), chunks[0])
	assert.Equal(t, `\.tail`, chunks[1])
}

func TestSplitTextAvoidsHTMLTags(t *testing.T) {
	s := "abcdefgh<b>bold</b>"
	chunks := splitText(s, 10, "HTML")
	assert.Equal(t, []string{"abcdefgh", "<b>bold", "</b>"}, chunks)
	assert.Equal(t, s, strings.Join(chunks, ""))
}

func TestSplitTextUnicodeLimit(t *testing.T) {
	s := strings.Repeat("é", 25)
	for _, c := range splitText(s, 10, "") {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
}

func TestGroupKind(t *testing.T) {
	assert.Equal(t, platform.KindSupergroup, groupKind(tele.ChatSuperGroup))
	assert.Equal(t, platform.KindChannel, groupKind(tele.ChatChannelPrivate))
	assert.Equal(t, platform.KindGroup, groupKind(tele.ChatGroup))
	assert.Equal(t, platform.KindPrivate, groupKind(tele.ChatPrivate))
}

func offlineAdapter(t *testing.T, cfg Config) (*Adapter, chan transport.Update) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "123:offline"
	}
	a, err := newAdapter(cfg, logx.Nop(), true)
	require.NoError(t, err)
	out := make(chan transport.Update, 16)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	a.out.Store(&updateSink{out: out, done: done})
	return a, out
}

// collect reads updates until none arrive for a short while.
func collect(out chan transport.Update) []transport.Update {
	var got []transport.Update
	for {
		select {
		case up := <-out:
			got = append(got, up)
		case <-time.After(200 * time.Millisecond):
			return got
		}
	}
}

func TestMultiUserJoinTracksEveryUser(t *testing.T) {
	a, out := offlineAdapter(t, Config{})
	u1 := tele.User{ID: 11, FirstName: "Ann"}
	u2 := tele.User{ID: 12, FirstName: "Bob"}
	a.bot.ProcessUpdate(tele.Update{Message: &tele.Message{
		ID:          7,
		Chat:        &tele.Chat{ID: -100, Type: tele.ChatGroup},
		Sender:      &tele.User{ID: 5, FirstName: "Admin"},
		UserJoined:  &u1,
		UsersJoined: []tele.User{u1, u2},
	}})

	got := collect(out)
	require.Len(t, got, 3)
	assert.Equal(t, transport.UpdateUserJoined, got[0].Kind)
	assert.EqualValues(t, 11, got[0].From.ID)
	assert.Equal(t, 7, got[0].MessageID)
	assert.Equal(t, transport.UpdateUserJoined, got[1].Kind)
	assert.EqualValues(t, 12, got[1].From.ID)
	assert.Zero(t, got[1].MessageID, "service message is deleted once")
	assert.Equal(t, transport.UpdateMessage, got[2].Kind)
	assert.EqualValues(t, 5, got[2].From.ID)
	assert.Zero(t, got[2].MessageID)
}

func TestJoinListWithoutLegacyFieldIsNotRepeated(t *testing.T) {
	a, out := offlineAdapter(t, Config{})
	a.bot.ProcessUpdate(tele.Update{Message: &tele.Message{
		ID:          8,
		Chat:        &tele.Chat{ID: -100, Type: tele.ChatGroup},
		Sender:      &tele.User{ID: 11},
		UsersJoined: []tele.User{{ID: 11}, {ID: 12}},
	}})

	got := collect(out)
	require.Len(t, got, 2)
	ids := []int64{got[0].From.ID, got[1].From.ID}
	assert.ElementsMatch(t, []int64{11, 12}, ids)
}

func TestEditedMessageTracksSender(t *testing.T) {
	a, out := offlineAdapter(t, Config{})
	a.bot.ProcessUpdate(tele.Update{EditedMessage: &tele.Message{
		ID:     9,
		Chat:   &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender: &tele.User{ID: 6},
		Text:   "fixed typo",
	}})

	got := collect(out)
	require.Len(t, got, 1)
	assert.Equal(t, transport.UpdateMessage, got[0].Kind)
	assert.EqualValues(t, 6, got[0].From.ID)
}

func TestSendUpdateWaitsForRoom(t *testing.T) {
	a, err := newAdapter(Config{Token: "123:offline"}, logx.Nop(), true)
	require.NoError(t, err)
	out := make(chan transport.Update, 1)
	done := make(chan struct{})
	a.out.Store(&updateSink{out: out, done: done})

	a.sendUpdate(transport.Update{Kind: transport.UpdateGroupSeen})
	sent := make(chan struct{})
	go func() {
		a.sendUpdate(transport.Update{Kind: transport.UpdateMessage})
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("update was not held back while the channel was full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, transport.UpdateGroupSeen, (<-out).Kind)
	<-sent
	assert.Equal(t, transport.UpdateMessage, (<-out).Kind)

	// a stopped adapter releases blocked handlers
	a.sendUpdate(transport.Update{Kind: transport.UpdateGroupSeen})
	released := make(chan struct{})
	go func() {
		a.sendUpdate(transport.Update{Kind: transport.UpdateGroupSeen})
		close(released)
	}()
	close(done)
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked update was not released on stop")
	}
}

// fakeBotAPI answers sendPhoto and sendMediaGroup and records the methods called.
func fakeBotAPI(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var calls []string
	const msg = `{"message_id":1,"date":0,"chat":{"id":-100,"type":"group"},"photo":[{"file_id":"f","file_unique_id":"u","width":1,"height":1}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(10 << 20)
		method := path.Base(r.URL.Path)
		mu.Lock()
		calls = append(calls, method)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "sendPhoto":
			_, _ = io.WriteString(w, `{"ok":true,"result":`+msg+`}`)
		case "sendMediaGroup":
			var media []json.RawMessage
			_ = json.Unmarshal([]byte(r.FormValue("media")), &media)
			items := make([]string, len(media))
			for i := range items {
				items[i] = msg
			}
			_, _ = io.WriteString(w, `{"ok":true,"result":[`+strings.Join(items, ",")+`]}`)
		default:
			_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: unexpected method"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), calls...)
	}
}

func TestSendMediaGroupSingleImageUsesPhoto(t *testing.T) {
	srv, calls := fakeBotAPI(t)
	a, _ := offlineAdapter(t, Config{APIURL: srv.URL, RatePerSec: 100})
	ctx := context.Background()
	img := platform.Image{Name: "image_0.png", Data: []byte("png")}

	require.NoError(t, a.SendMediaGroup(ctx, -100, []platform.Image{img}))
	require.NoError(t, a.SendMediaGroup(ctx, -100, []platform.Image{img, img}))
	assert.Equal(t, []string{"sendPhoto", "sendMediaGroup"}, calls())
}
