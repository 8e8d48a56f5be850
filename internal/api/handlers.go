package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/lightningloop/invene/internal/config"
	"github.com/lightningloop/invene/internal/eventlog"
	"github.com/lightningloop/invene/internal/graphcheck"
	"github.com/lightningloop/invene/internal/graphstore"
	"github.com/lightningloop/invene/internal/interpreter"
	"github.com/lightningloop/invene/internal/metrics"
	"github.com/lightningloop/invene/internal/profiles"
	"github.com/lightningloop/invene/internal/reducer"
	"github.com/lightningloop/invene/pkg/types"
)

// JobControl is the slice of the driver the API depends on.
type JobControl interface {
	CurrentJob() (types.Job, bool)
	StopCurrent() bool
}

// JobLister proxies relay queue listings.
type JobLister interface {
	ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]types.JobListItem, error)
}

// GraphGenerator requests new task graphs from the interpreter.
type GraphGenerator interface {
	Generate(ctx context.Context, req interpreter.GenerateRequest) (*types.TaskGraph, error)
}

// Deps bundles everything the handlers touch. Optional fields may be
// nil; their endpoints respond 503 when unset.
type Deps struct {
	Log       eventlog.Log
	Jobs      JobControl
	Queue     JobLister
	Generator GraphGenerator
	Checker   *graphcheck.Checker
	Graphs    graphstore.Store
	Profiles  profiles.Registry
	Config    *config.Config
	Logger    *slog.Logger
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	log      eventlog.Log
	jobs     JobControl
	queue    JobLister
	gen      GraphGenerator
	checker  *graphcheck.Checker
	graphs   graphstore.Store
	profiles profiles.Registry
	config   *config.Config
	logger   *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	if d.Config == nil {
		d.Config = &config.Config{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handlers{
		log:      d.Log,
		jobs:     d.Jobs,
		queue:    d.Queue,
		gen:      d.Generator,
		checker:  d.Checker,
		graphs:   d.Graphs,
		profiles: d.Profiles,
		config:   d.Config,
		logger:   d.Logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the event log.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	graphs, err := h.log.Graphs(r.Context())
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "event log unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"graphs": len(graphs),
	})
}

// --- Graph State ---

// ListGraphs handles GET /api/v1/graphs
func (h *Handlers) ListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := h.log.Graphs(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list graphs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"graphs": graphs})
}

// GraphStateResponse is the derived view of one graph's execution.
type GraphStateResponse struct {
	GraphID     string `json:"graph_id"`
	LastEventID int64  `json:"last_event_id"`
	*reducer.State
}

// GetGraphState handles GET /api/v1/graphs/{id}/state
//
// The state is folded from the locally mirrored event stream on every
// request; nothing is cached between calls.
func (h *Handlers) GetGraphState(w http.ResponseWriter, r *http.Request) {
	graphID := mux.Vars(r)["id"]

	events, err := h.log.Since(r.Context(), graphID, 0)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to read events", err)
		return
	}
	if len(events) == 0 {
		h.respondError(w, http.StatusNotFound, "no events for graph", nil)
		return
	}

	metrics.EventLogDepth.Set(float64(len(events)))

	h.respondJSON(w, http.StatusOK, GraphStateResponse{
		GraphID:     graphID,
		LastEventID: events[len(events)-1].EventID,
		State:       reducer.Reduce(events),
	})
}

// GetGraph handles GET /api/v1/graphs/{id}
//
// It serves the stored task graph topology for a claimed job.
func (h *Handlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	if h.graphs == nil {
		h.respondError(w, http.StatusServiceUnavailable, "graph store not configured", nil)
		return
	}

	graphID := mux.Vars(r)["id"]
	graph, err := h.graphs.Get(r.Context(), graphID)
	if err != nil {
		if errors.Is(err, graphstore.ErrGraphNotFound) {
			h.respondError(w, http.StatusNotFound, "graph not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get graph", err)
		return
	}

	h.respondJSON(w, http.StatusOK, graph)
}

// --- Graph Generation and Validation ---

// GenerateGraph handles POST /api/v1/graphs/generate
func (h *Handlers) GenerateGraph(w http.ResponseWriter, r *http.Request) {
	if h.gen == nil {
		h.respondError(w, http.StatusServiceUnavailable, "interpreter not configured", nil)
		return
	}

	var req interpreter.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserRequest == "" {
		h.respondError(w, http.StatusBadRequest, "user_request is required", nil)
		return
	}

	graph, err := h.gen.Generate(r.Context(), req)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "graph generation failed", err)
		return
	}

	if h.checker != nil {
		if res := h.checker.Validate(graph); !res.Valid {
			h.respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  "generated graph failed validation",
				"errors": res.Errors,
				"graph":  graph,
			})
			return
		}
	}

	h.respondJSON(w, http.StatusOK, graph)
}

// ValidateGraph handles POST /api/v1/graphs/validate
func (h *Handlers) ValidateGraph(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		h.respondError(w, http.StatusServiceUnavailable, "validator not configured", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}

	h.respondJSON(w, http.StatusOK, h.checker.ValidateJSON(body))
}

// --- Job Surface ---

// ListJobs handles GET /api/v1/jobs, proxying the relay queue listing.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.respondError(w, http.StatusServiceUnavailable, "relay not configured", nil)
		return
	}

	status := types.JobStatus(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	jobs, err := h.queue.ListJobs(r.Context(), status, limit)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "failed to list jobs", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// CurrentJob handles GET /api/v1/jobs/current
func (h *Handlers) CurrentJob(w http.ResponseWriter, r *http.Request) {
	job, held := h.jobs.CurrentJob()
	if !held {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"active": true,
		"job":    job,
	})
}

// StopCurrent handles POST /api/v1/jobs/current/stop
func (h *Handlers) StopCurrent(w http.ResponseWriter, r *http.Request) {
	if !h.jobs.StopCurrent() {
		h.respondError(w, http.StatusConflict, "no job in progress", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// --- Agent Profiles ---

// ListProfiles handles GET /api/v1/profiles
func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		h.respondError(w, http.StatusServiceUnavailable, "profile registry not configured", nil)
		return
	}

	mode := profiles.Mode(r.URL.Query().Get("mode"))
	list, err := h.profiles.List(r.Context(), &profiles.ListOptions{Mode: mode})
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list profiles", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"profiles": list})
}

// GetProfile handles GET /api/v1/profiles/{name}
func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		h.respondError(w, http.StatusServiceUnavailable, "profile registry not configured", nil)
		return
	}

	name := mux.Vars(r)["name"]
	profile, err := h.profiles.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, profiles.ErrProfileNotFound) {
			h.respondError(w, http.StatusNotFound, "profile not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get profile", err)
		return
	}

	h.respondJSON(w, http.StatusOK, profile)
}

// CreateProfile handles POST /api/v1/profiles
func (h *Handlers) CreateProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		h.respondError(w, http.StatusServiceUnavailable, "profile registry not configured", nil)
		return
	}

	var req profiles.CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	profile, err := h.profiles.Create(r.Context(), &req)
	if err != nil {
		if errors.Is(err, profiles.ErrProfileExists) {
			h.respondError(w, http.StatusConflict, "profile already exists", err)
			return
		}
		h.respondError(w, http.StatusBadRequest, "failed to create profile", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, profile)
}

// DeleteProfile handles DELETE /api/v1/profiles/{name}
func (h *Handlers) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		h.respondError(w, http.StatusServiceUnavailable, "profile registry not configured", nil)
		return
	}

	name := mux.Vars(r)["name"]
	if err := h.profiles.Delete(r.Context(), name); err != nil {
		if errors.Is(err, profiles.ErrProfileNotFound) {
			h.respondError(w, http.StatusNotFound, "profile not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to delete profile", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	h.logger.Error(message, "error", err, "status", status)
	resp := map[string]string{"error": message}
	if err != nil {
		resp["details"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
