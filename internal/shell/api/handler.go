// Package api provides HTTP handlers for the lambdaroll API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/lambdaroll/internal/core/auth"
	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/shell/api/middleware"
	"github.com/artpar/lambdaroll/internal/shell/sequencer"
	"github.com/artpar/lambdaroll/internal/shell/store"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// =============================================================================
// Dependencies
// =============================================================================

// RunController starts and cancels runs.
type RunController interface {
	Trigger(ctx context.Context, sourceRef, sourceDir string) (*domain.PipelineRun, error)
	Cancel(ctx context.Context, runID, reason string) (*domain.PipelineRun, error)
}

// GateDecider records gate decisions.
type GateDecider interface {
	Decide(ctx context.Context, gateID string, decision domain.Decision, identity, comment string) (*domain.Gate, error)
}

// Config configures the API surface.
type Config struct {
	// DefaultSourceDir is used when a trigger request names no source_dir.
	DefaultSourceDir string

	// Approvers restricts who may decide gates. Empty allows anyone with an
	// identity.
	Approvers []string

	// SharedSecret is checked against X-Gateway-Secret when set.
	SharedSecret string

	// TokenSecret verifies HS256 bearer tokens when set.
	TokenSecret string

	// RequireAuth rejects API requests that carry no identity.
	RequireAuth bool

	// AllowedOrigins lists CORS origins for browsers. Empty disables CORS.
	AllowedOrigins []string
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	store  store.Store
	runs   RunController
	gates  GateDecider
	events http.Handler // websocket endpoint, optional
	config Config
	logger *slog.Logger
}

// NewHandler creates a new API handler. events may be nil.
func NewHandler(s store.Store, runs RunController, gates GateDecider, events http.Handler, config Config, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		store:  s,
		runs:   runs,
		gates:  gates,
		events: events,
		config: config,
		logger: l.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(h.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.config.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", auth.HeaderUserID},
			ExposedHeaders: []string{"X-Request-ID"},
		}))
	}
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Group(func(r chi.Router) {
		r.Use(h.jsonContentType)
		r.Get("/health", h.handleHealth)
		r.Get("/ready", h.handleReady)
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(middleware.AuthConfig{
			SharedSecret: h.config.SharedSecret,
			TokenSecret:  []byte(h.config.TokenSecret),
			Logger:       h.logger,
		}).Handler)
		if h.config.RequireAuth {
			r.Use(middleware.RequireAuth(h.logger))
		}

		if h.events != nil {
			r.Get("/events", h.events.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.jsonContentType)

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", h.handleTriggerRun)
				r.Get("/", h.handleListRuns)
				r.Get("/{id}", h.handleGetRun)
				r.Post("/{id}/cancel", h.handleCancelRun)
			})

			r.Route("/gates", func(r chi.Router) {
				r.Get("/", h.handleListGates)
				r.Get("/{id}", h.handleGetGate)
				r.Post("/{id}/approve", h.handleDecideGate(domain.DecisionApprove))
				r.Post("/{id}/reject", h.handleDecideGate(domain.DecisionReject))
			})

			r.Get("/layers/{name}/versions", h.handleListLayerVersions)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if _, err := h.store.ListRuns(r.Context(), store.ListOptions{Limit: 1}); err != nil {
		h.logger.Warn("readiness check failed", "check", "database", "error", err)
		checks["database"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "not_ready", Checks: checks})
		return
	}
	checks["database"] = "ok"

	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.SourceDir == "" {
		req.SourceDir = h.config.DefaultSourceDir
	}
	if req.SourceDir == "" {
		h.writeError(w, http.StatusBadRequest, "source_dir is required", "validation_error")
		return
	}
	if req.SourceRef == "" {
		req.SourceRef = req.SourceDir
	}

	run, err := h.runs.Trigger(r.Context(), req.SourceRef, req.SourceDir)
	if err != nil {
		h.writeDomainError(w, "trigger run", err)
		return
	}

	h.logger.Info("run triggered", "run_id", run.ID, "source_ref", run.SourceRef)
	h.writeJSON(w, http.StatusAccepted, runToResponse(run))
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)

	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		h.writeDomainError(w, "list runs", err)
		return
	}

	items := make([]RunResponse, 0, len(runs))
	for i := range runs {
		items = append(items, runToResponse(&runs[i]))
	}
	h.writeJSON(w, http.StatusOK, ListResponse[RunResponse]{Items: items, Limit: opts.Limit, Offset: opts.Offset})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "get run", err)
		return
	}
	h.writeJSON(w, http.StatusOK, runToResponse(run))
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req CancelRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}
	}
	if caller := auth.FromContext(r.Context()); caller.Authenticated && req.Reason == "" {
		req.Reason = "cancelled by " + caller.Identity
	}

	run, err := h.runs.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, "cancel run", err)
		return
	}

	h.logger.Info("run cancel requested", "run_id", run.ID, "status", run.Status)
	status := http.StatusAccepted
	if run.Status.IsTerminal() {
		status = http.StatusOK
	}
	h.writeJSON(w, status, runToResponse(run))
}

// =============================================================================
// Gate Handlers
// =============================================================================

func (h *Handler) handleListGates(w http.ResponseWriter, r *http.Request) {
	gates, err := h.store.ListPendingGates(r.Context())
	if err != nil {
		h.writeDomainError(w, "list gates", err)
		return
	}

	items := make([]GateResponse, 0, len(gates))
	for i := range gates {
		items = append(items, gateToResponse(&gates[i]))
	}
	h.writeJSON(w, http.StatusOK, ListResponse[GateResponse]{Items: items, Limit: len(items)})
}

func (h *Handler) handleGetGate(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetGate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "get gate", err)
		return
	}
	h.writeJSON(w, http.StatusOK, gateToResponse(g))
}

func (h *Handler) handleDecideGate(decision domain.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DecideGateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}

		identity, err := auth.ResolveApprover(auth.FromContext(r.Context()), req.Identity, h.config.Approvers)
		if err != nil {
			h.writeError(w, http.StatusForbidden, err.Error(), "forbidden")
			return
		}

		g, err := h.gates.Decide(r.Context(), chi.URLParam(r, "id"), decision, identity, req.Comment)
		if err != nil {
			h.writeDomainError(w, "decide gate", err)
			return
		}

		h.logger.Info("gate decided", "gate_id", g.ID, "run_id", g.RunID, "decision", decision, "identity", identity)
		h.writeJSON(w, http.StatusOK, gateToResponse(g))
	}
}

// =============================================================================
// Layer Handlers
// =============================================================================

func (h *Handler) handleListLayerVersions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)

	versions, err := h.store.ListLayerVersions(r.Context(), chi.URLParam(r, "name"), opts)
	if err != nil {
		h.writeDomainError(w, "list layer versions", err)
		return
	}
	if versions == nil {
		versions = []domain.LayerVersion{}
	}
	h.writeJSON(w, http.StatusOK, ListResponse[domain.LayerVersion]{Items: versions, Limit: opts.Limit, Offset: opts.Offset})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeDomainError maps known errors to a status and code; anything else is
// logged and answered with 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found", "not_found")
	case errors.Is(err, sequencer.ErrRunActive):
		h.writeError(w, http.StatusConflict, err.Error(), "run_active")
	case errors.Is(err, sequencer.ErrCancelNotAllowed):
		h.writeError(w, http.StatusConflict, err.Error(), "cancel_not_allowed")
	case errors.Is(err, domain.ErrGateDecided):
		h.writeError(w, http.StatusConflict, err.Error(), "gate_decided")
	case store.IsConflict(err):
		h.writeError(w, http.StatusConflict, err.Error(), "conflict")
	case errors.Is(err, domain.ErrIdentityMissing):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to "+op, "internal_error")
	}
}

func parseListOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	return opts.Normalize()
}

func runToResponse(run *domain.PipelineRun) RunResponse {
	resp := RunResponse{
		ID:           run.ID,
		Fleet:        run.Fleet,
		SourceRef:    run.SourceRef,
		SourceDir:    run.SourceDir,
		Status:       string(run.Status),
		CurrentStage: string(run.CurrentStage),
		ErrorMessage: run.ErrorMessage,
		Stages:       make([]StageResponse, 0, len(run.Stages)),
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
		FinishedAt:   run.FinishedAt,
	}
	for i := range run.Stages {
		st := &run.Stages[i]
		report := st.Report()
		resp.Stages = append(resp.Stages, StageResponse{
			Stage:        string(st.Stage),
			Status:       string(st.Status),
			Updated:      report.Updated,
			Failed:       report.Failed,
			LayerVersion: st.LayerVersion,
			GateID:       st.GateID,
			ErrorKind:    string(st.ErrorKind),
			ErrorMessage: st.ErrorMessage,
			StartedAt:    st.StartedAt,
			FinishedAt:   st.FinishedAt,
		})
	}
	return resp
}

func gateToResponse(g *domain.Gate) GateResponse {
	return GateResponse{
		ID:        g.ID,
		RunID:     g.RunID,
		Stage:     string(g.Stage),
		Status:    string(g.Status),
		Info:      g.Info,
		DecidedBy: g.DecidedBy,
		Comment:   g.Comment,
		CreatedAt: g.CreatedAt,
		DecidedAt: g.DecidedAt,
	}
}
