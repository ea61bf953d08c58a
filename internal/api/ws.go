package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"chatwarden/internal/eventbus"
	logx "chatwarden/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

func (s *Server) upgrader() websocket.Upgrader {
	origins := s.cfg.AllowedOrigins
	anyOrigin := slices.Contains(origins, "*")
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return anyOrigin || origin == "" || slices.Contains(origins, origin)
		},
	}
}

// statusStream pushes the full status snapshot on connect and again after
// every status change or group removal. Bursts collapse into one frame.
func (s *Server) statusStream(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.String("request_id", requestID(r)), logx.Err(err))
		return
	}
	defer conn.Close()

	events, unsub := s.deps.Bus.Subscribe(64)
	defer unsub()

	log := s.log.With(logx.String("request_id", requestID(r)))
	log.Debug("status stream opened")

	// Reader: only pongs and close frames are expected.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(s.deps.Registry.Snapshot()); err != nil {
			log.Debug("status stream write failed", logx.Err(err))
			return false
		}
		return true
	}
	if !send() {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			log.Debug("status stream closed by peer")
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(wsWriteWait))
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.StatusChanged && e.Type != eventbus.GroupRemoved {
				continue
			}
			drain(events)
			if !send() {
				return
			}
		}
	}
}

// drain discards whatever is already queued; the next snapshot covers it.
func drain(ch <-chan eventbus.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
