// Package api serves the admin HTTP surface: the group directory, cleaning
// status, clear requests, broadcast scheduling and a live status stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"chatwarden/internal/broadcast"
	"chatwarden/internal/eventbus"
	"chatwarden/internal/moderation"
	"chatwarden/internal/runtime/supervisor"
	"chatwarden/internal/status"
	logx "chatwarden/pkg/logx"
)

const DefaultAddr = "0.0.0.0:3030"

type Config struct {
	Addr           string
	AllowedOrigins []string
	// Token, when set, is required as a bearer token or ?token= on every
	// route except / and /healthz.
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Scheduler stores broadcast requests.
type Scheduler interface {
	Schedule(ctx context.Context, req broadcast.Request) (int64, error)
}

type Deps struct {
	Groups   *moderation.Groups
	Clear    *moderation.Orchestrator
	Registry *status.Registry
	Sender   Scheduler
	Bus      eventbus.Bus
}

type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	handler   http.Handler
	closing   chan struct{}
	closeOnce sync.Once
	ln        net.Listener
	srv       *http.Server
	sup       *supervisor.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	s := &Server{log: log.With(logx.String("comp", "api")), cfg: cfg, deps: deps, closing: make(chan struct{})}
	s.handler = s.buildHandler()
	return s
}

// Handler is the full middleware chain; tests drive it with httptest.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildHandler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.withRequestID)

	r.HandleFunc("/", s.hello).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	priv := r.NewRoute().Subrouter()
	priv.Use(s.withAuth)
	priv.HandleFunc("/chats", s.chats).Methods(http.MethodGet)
	priv.HandleFunc("/status", s.statusMap).Methods(http.MethodGet)
	priv.HandleFunc("/groups", s.groups).Methods(http.MethodGet)
	priv.HandleFunc("/deleteChat/{id}", s.deleteChat).Methods(http.MethodGet, http.MethodDelete)
	priv.HandleFunc("/clearChat/{id}", s.clearChat).Methods(http.MethodGet)
	priv.HandleFunc("/clearChats/", s.clearChats).Methods(http.MethodPost)
	priv.HandleFunc("/clearJobs/{job}", s.clearJob).Methods(http.MethodGet)
	priv.HandleFunc("/sendMessage/", s.sendMessage).Methods(http.MethodPost)
	priv.HandleFunc("/ws/status", s.statusStream).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

// Start binds the listener and serves in the background. A bind failure is
// returned directly so startup can abort.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.ln, s.srv, s.sup = ln, srv, sup

	sup.Go("api.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully within ctx, then closes whatever
// connections remain (websocket streams included).
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closing) })
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	if werr := sup.Stop(ctx); err == nil {
		err = werr
	}
	s.log.Info("api stopped")
	return err
}
