// Package web exposes the HTTP and WebSocket surface: task
// submission and inspection, the agent roster, schedules, and a live
// event feed bridged from the message bus.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/moot-dev/moot/internal/config"
	"github.com/moot-dev/moot/internal/manager"
	"github.com/moot-dev/moot/internal/natsbus"
	"github.com/moot-dev/moot/internal/registry"
	"github.com/moot-dev/moot/internal/store"
)

type Server struct {
	store     *store.Store
	bus       *natsbus.Bus
	nats      *natsbus.Client
	manager   *manager.Manager
	registry  *registry.Registry
	hub       *Hub
	cfg       config.WebConfig
	logger    *slog.Logger
	version   string
	startedAt time.Time
}

func NewServer(s *store.Store, bus *natsbus.Bus, mgr *manager.Manager, reg *registry.Registry, cfg config.WebConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     s,
		bus:       bus,
		manager:   mgr,
		registry:  reg,
		hub:       NewHub(logger),
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Bridge bus events into the WebSocket hub.
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	s.logger.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the full HTTP handler without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth validates HTTP Basic credentials against the configured
// password. The username is ignored.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok {
		if subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1 {
			return true
		}
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="moot"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		s.logger.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	_, _ = client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var payload map[string]any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.logger.Warn("invalid event payload", "topic", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(Event{Topic: msg.Subject, Payload: payload})
	})
}
