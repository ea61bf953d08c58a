package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwarden/internal/broadcast"
	"chatwarden/internal/eventbus"
	"chatwarden/internal/moderation"
	"chatwarden/internal/platform/platformtest"
	"chatwarden/internal/status"
	"chatwarden/internal/storage"
	logx "chatwarden/pkg/logx"
)

type fixture struct {
	store  storage.Store
	reg    *status.Registry
	plat   *platformtest.Fake
	groups *moderation.Groups
	srv    *Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	reg := status.NewRegistry(status.WithBus(bus))
	plat := platformtest.New(999)
	groups := moderation.NewGroups(st, reg, bus, logx.Nop())
	clr := moderation.NewOrchestrator(moderation.NewCleaner(st, reg, plat, logx.Nop()), reg, logx.Nop())
	sender := broadcast.NewDispatcher(st, plat, bus, broadcast.Config{}, logx.Nop())

	srv := New(cfg, Deps{Groups: groups, Clear: clr, Registry: reg, Sender: sender, Bus: bus}, logx.Nop())
	return &fixture{store: st, reg: reg, plat: plat, groups: groups, srv: srv}
}

func (f *fixture) addGroup(t *testing.T, id int64, name string, members ...int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.groups.Add(ctx, storage.Group{ID: id, Name: name}))
	for _, m := range members {
		require.NoError(t, f.store.UpsertMember(ctx, storage.Member{ID: m, GroupID: id, Name: "m"}))
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHelloAndHealthz(t *testing.T) {
	f := newFixture(t, Config{Token: "secret"})

	w := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello, World!", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenGuardsAdminRoutes(t *testing.T) {
	f := newFixture(t, Config{Token: "secret"})

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/status", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/status", "", "Authorization", "secret").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/status", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/status?token=secret", "").Code)
}

func TestDirectoryAndStatusViews(t *testing.T) {
	f := newFixture(t, Config{})
	f.addGroup(t, -100, "alpha")
	f.addGroup(t, -200, "beta")
	require.NoError(t, f.reg.Set(-200, status.Error("chat not found")))

	w := f.do(t, http.MethodGet, "/chats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id":-200,"name":"beta"},{"id":-100,"name":"alpha"}]`, w.Body.String())

	w = f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"-100":"Idle","-200":{"Error":"chat not found"}}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/groups", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id":-200,"name":"beta","status":{"Error":"chat not found"}},{"id":-100,"name":"alpha","status":"Idle"}]`, w.Body.String())
}

func TestDeleteChat(t *testing.T) {
	f := newFixture(t, Config{})
	f.addGroup(t, -100, "alpha", 1, 2)

	w := f.do(t, http.MethodDelete, "/deleteChat/-100", "")
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := f.reg.Get(-100)
	assert.False(t, ok)
	_, err := f.store.GetGroup(context.Background(), -100)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/deleteChat/-100", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/deleteChat/abc", "").Code)
}

func TestClearChat(t *testing.T) {
	f := newFixture(t, Config{})
	f.addGroup(t, -100, "alpha", 1, 2)

	w := f.do(t, http.MethodGet, "/clearChat/-100", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[moderation.SweepResult](t, w)
	assert.Equal(t, 2, res.Removed)
	st, _ := f.reg.Get(-100)
	assert.Equal(t, status.Idle, st)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/clearChat/-5", "").Code)

	ok, err := f.reg.Claim(-100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodGet, "/clearChat/-100", "").Code)
	require.NoError(t, f.reg.Set(-100, status.Idle))

	f.plat.GroupErr[-100] = errors.New("chat not found")
	w = f.do(t, http.MethodGet, "/clearChat/-100", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	st, _ = f.reg.Get(-100)
	assert.Equal(t, status.StateError, st.State)
}

func TestClearChatsJob(t *testing.T) {
	f := newFixture(t, Config{})
	f.addGroup(t, -100, "alpha", 1)
	f.addGroup(t, -200, "beta", 2, 3)

	w := f.do(t, http.MethodPost, "/clearChats/", `{"chats":[-100,-200,-300]}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[struct {
		Job     string  `json:"job"`
		Unknown []int64 `json:"unknown"`
	}](t, w)
	require.NotEmpty(t, accepted.Job)
	assert.Equal(t, []int64{-300}, accepted.Unknown)

	var job moderation.Job
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/clearJobs/"+accepted.Job, "")
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			return false
		}
		return !job.Running
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []int64{-100, -200}, job.Done)
	assert.Equal(t, 3, job.Removed)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/clearJobs/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/clearChats/", `{"chats":`).Code)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodPost, "/sendMessage/", `{"chats":[-1],"message":"hi","images":[],"datetime":"tomorrow"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/sendMessage/", `{"chats":[-1],"message":"hi","images":["%%%"],"datetime":"2026-10-19T12:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/sendMessage/", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/sendMessage/", `{"chats":[-1,-2],"message":"hi","images":[],"datetime":"2026-10-19T12:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	q, err := f.store.ListQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, []int64{-1, -2}, q[0].Targets)
	assert.Equal(t, "2026-10-19T12:00:00Z", q[0].ScheduledAt)
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t, Config{})
	f.addGroup(t, -100, "alpha")

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&snap))
	assert.JSONEq(t, `"Idle"`, string(snap["-100"]))

	ok, err := f.reg.Claim(-100)
	require.NoError(t, err)
	require.True(t, ok)

	for {
		var next map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&next))
		if string(next["-100"]) == `"Queued"` {
			break
		}
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{Addr: "127.0.0.1:0"})
	ctx := context.Background()
	require.NoError(t, f.srv.Start(ctx))
	addr := f.srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Stop(stopCtx))
	assert.Empty(t, f.srv.Addr())
	require.NoError(t, f.srv.Stop(stopCtx))
}
