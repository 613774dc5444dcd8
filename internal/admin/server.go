// Package admin serves the worker's operational HTTP endpoints: metrics,
// health, supervisor records, poller state and the unreported-outcome journal.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"jobagent/internal/gateway"
	"jobagent/internal/store"
	"jobagent/internal/supervisor"
	"jobagent/internal/worker"
	"jobagent/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// AgentLister exposes supervisor records.
type AgentLister interface {
	Records() []supervisor.Record
}

// PollerStatus exposes the poller's current state.
type PollerStatus interface {
	State() worker.State
	Handled() int64
}

// Options wires the server to the running components. Nil fields disable
// the matching endpoints, which then answer 404.
type Options struct {
	Metrics http.Handler
	Agents  AgentLister
	Poller  PollerStatus
	Journal store.Journal
	Gateway gateway.Gateway
	Logger  *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *slog.Logger
}

// New creates a new admin server listening on addr.
func New(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, logger: opts.Logger.With(slog.String("component", "admin"))}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.healthz)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	if s.opts.Agents != nil {
		r.Get("/agents", s.listAgents)
		r.Get("/agents/{name}", s.getAgent)
	}
	if s.opts.Poller != nil {
		r.Get("/poller", s.pollerStatus)
	}
	if s.opts.Journal != nil {
		r.Route("/unreported", func(r chi.Router) {
			r.Get("/", s.listUnreported)
			r.Get("/{id}", s.getUnreported)
			if s.opts.Gateway != nil {
				r.Post("/{id}/replay", s.replayUnreported)
			}
			r.Delete("/{id}", s.deleteUnreported)
		})
	}
	return r
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("admin server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// healthz reports 503 once the poller has stopped, 200 otherwise.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Poller != nil && s.opts.Poller.State() == worker.StateStopped {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.opts.Agents.Records())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, rec := range s.opts.Agents.Records() {
		if rec.WorkerName == name {
			respondJSON(w, http.StatusOK, rec)
			return
		}
	}
	httpError(w, "unknown agent", http.StatusNotFound)
}

func (s *Server) pollerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, api.PollerStatusResponse{
		State:   s.opts.Poller.State().String(),
		Handled: s.opts.Poller.Handled(),
	})
}

func (s *Server) listUnreported(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.opts.Journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list unreported outcomes", slog.String("error", err.Error()))
		httpError(w, "failed to list unreported outcomes", http.StatusInternalServerError)
		return
	}

	out := make([]api.UnreportedOutcome, 0, len(entries))
	for i := range entries {
		out = append(out, toAPI(&entries[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getUnreported(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	entry, err := s.opts.Journal.Get(r.Context(), id)
	if err != nil {
		s.journalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAPI(entry))
}

func (s *Server) replayUnreported(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := worker.ReplayUnreported(r.Context(), s.opts.Gateway, s.opts.Journal, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.journalError(w, err)
			return
		}
		s.logger.Warn("replay failed", slog.String("id", id.String()), slog.String("error", err.Error()))
		httpError(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.logger.Info("unreported outcome replayed", slog.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteUnreported(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.opts.Journal.Delete(r.Context(), id); err != nil {
		s.journalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) journalError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, "unreported outcome not found", http.StatusNotFound)
		return
	}
	s.logger.Error("journal error", slog.String("error", err.Error()))
	httpError(w, "journal unavailable", http.StatusInternalServerError)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func toAPI(o *store.UnreportedOutcome) api.UnreportedOutcome {
	out := api.UnreportedOutcome{
		ID:         o.ID.String(),
		JobID:      o.JobID,
		JobType:    o.JobType,
		WorkerID:   o.WorkerID,
		Status:     string(o.Status),
		Result:     o.Result,
		Attempts:   o.Attempts,
		LastError:  o.LastError,
		RecordedAt: o.RecordedAt,
	}
	if o.Error != nil {
		out.ErrorKind = string(o.Error.Kind)
		out.ErrorMessage = o.Error.Message
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func httpError(w http.ResponseWriter, message string, code int) {
	respondJSON(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
