// Package server exposes the agent over HTTP: task submission and event
// streaming via SSE, plus JSON endpoints for checkpoints and MCP server
// management.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zypherlabs/zypher/pkg/agent"
	"github.com/zypherlabs/zypher/pkg/mcp"
	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

// Server serves the agent API.
type Server struct {
	agent  *agent.Agent
	logger *slog.Logger

	metrics prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes /metrics from the given gatherer.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.metrics = g }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server around an agent.
func New(a *agent.Agent, opts ...Option) *Server {
	s := &Server{agent: a, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/tasks", s.handleRunTask)
	r.Post("/tasks/cancel", s.handleCancel)
	r.Get("/events", s.handleEvents)
	r.Get("/messages", s.handleMessages)
	r.Delete("/messages", s.handleClearMessages)

	r.Get("/checkpoints", s.handleListCheckpoints)
	r.Get("/checkpoints/{id}", s.handleCheckpointDetails)
	r.Post("/checkpoints/{id}/apply", s.handleApplyCheckpoint)

	r.Route("/mcp", func(r chi.Router) {
		r.Get("/events", s.handleMCPEvents)
		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleRegisterServer)
		r.Delete("/servers/{id}", s.handleDeregisterServer)
		r.Post("/servers/{id}/retry", s.handleRetryServer)
		r.Post("/servers/{id}/enabled", s.handleSetServerEnabled)
	})

	r.Get("/oauth/callback", s.handleOAuthCallback)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return r
}

type runTaskRequest struct {
	Text          string                          `json:"text"`
	Attachments   []*protocol.FileAttachmentBlock `json:"attachments,omitempty"`
	MaxIterations int                             `json:"maxIterations,omitempty"`
}

// handleRunTask starts a task and streams its events until the terminal
// event. Closing the request connection does not cancel the task; clients
// re-attach via /events.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req runTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	bus, err := s.agent.RunTask(r.Context(), req.Text, &agent.TaskOptions{
		Attachments:   req.Attachments,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	events, cancel := bus.Subscribe(r.Context())
	defer cancel()
	s.streamTaskEvents(w, r, events)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.agent.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents re-attaches a client to the current task's stream. The
// standard Last-Event-ID header drives the resume filter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	bus := s.agent.EventBus()
	if bus == nil {
		writeError(w, http.StatusNotFound, errors.New("no task has been started"))
		return
	}

	var last *taskevent.EventID
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		id, err := taskevent.ParseEventID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		last = &id
	}

	events, cancel := bus.Resume(r.Context(), last)
	defer cancel()
	s.streamTaskEvents(w, r, events)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Messages())
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.ClearMessages(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.agent.Checkpoints().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCheckpointDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.agent.Checkpoints().Details(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleApplyCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.ApplyCheckpoint(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.MCP().ListServers())
}

type registerServerRequest struct {
	mcp.Endpoint

	// PackageIdentifier registers via the MCP registry instead of an
	// explicit endpoint.
	PackageIdentifier string `json:"packageIdentifier,omitempty"`
	Enabled           *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req registerServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := mcp.RegisterOptions{Enabled: req.Enabled == nil || *req.Enabled}

	var err error
	if req.PackageIdentifier != "" {
		_, err = s.agent.MCP().RegisterServerFromRegistry(r.Context(), req.PackageIdentifier, opts)
	} else {
		_, err = s.agent.MCP().RegisterServer(r.Context(), req.Endpoint, opts)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeregisterServer(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.MCP().DeregisterServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryServer(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.MCP().RetryConnection(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetServerEnabled(w http.ResponseWriter, r *http.Request) {
	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.agent.MCP().SetServerEnabled(chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, errors.New("state and code are required"))
		return
	}
	if err := s.agent.MCP().CompleteAuthorization(state, code); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body>Authorization complete. You can close this window.</body></html>"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
