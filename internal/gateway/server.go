// Package gateway exposes joi over HTTP: task inspection and control,
// approval resolution, recent events, Prometheus metrics and a WebSocket
// event stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/gateway/ws"
	"github.com/dohr-michael/joi/internal/kvstore"
	"github.com/dohr-michael/joi/internal/metrics"
	"github.com/dohr-michael/joi/internal/scheduler"
)

// Options holds the gateway's dependencies. Nil components disable the
// routes that need them.
type Options struct {
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler
	Gate      *approval.Gate
	KV        kvstore.Store // usage totals
	Metrics   *metrics.Metrics
	Host      string
	Port      int
}

// Server is the joi gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	api        *API
	bus        *events.Bus
	metrics    *metrics.Metrics
}

// NewServer creates a new gateway server.
func NewServer(opts Options) *Server {
	api := &API{sched: opts.Scheduler, gate: opts.Gate, kv: opts.KV}
	s := &Server{
		hub:     ws.NewHub(opts.Bus, api),
		api:     api,
		bus:     opts.Bus,
		metrics: opts.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", api.handleListTasks)
		r.Post("/", api.handleSchedule)
		r.Get("/{user}/{task}", api.handleGetTask)
		r.Post("/{user}/{task}/actions", api.handleUpdate)
		r.Post("/{user}/{task}/answer", api.handleAnswer)
		r.Post("/{user}/{task}/interrupt", api.handleResolveTask)
		r.Delete("/{user}/{task}", api.handleCancel)
	})
	r.Post("/api/approvals/{key}", api.handleResolveApproval)
	r.Get("/api/usage/{user}", api.handleUsage)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler: r,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("gateway: listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	history := s.bus.History(limit)
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
