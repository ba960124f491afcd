package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/config"
	"github.com/saltfish/trainstream/internal/db/repository"
	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/scheduler"
)

// TriggerAPI marks runs submitted over the REST API.
const TriggerAPI = "api"

// submitTimeout bounds how long a submission waits for a superseded run to stop.
const submitTimeout = 15 * time.Second

var errHistoryDisabled = errors.New("run history is not enabled")

// ScheduleLister exposes the state of scheduled runs.
type ScheduleLister interface {
	Statuses() []scheduler.ScheduleStatus
}

// Handler provides REST API handlers.
type Handler struct {
	registry  *scheduler.Registry
	runs      repository.RunRepository
	schedules ScheduleLister
	logger    *zap.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(registry *scheduler.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger,
	}
}

// SetRunRepository enables the run history endpoints.
func (h *Handler) SetRunRepository(runs repository.RunRepository) {
	h.runs = runs
}

// SetScheduleLister enables the schedules endpoint.
func (h *Handler) SetScheduleLister(l ScheduleLister) {
	h.schedules = l
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// writeServiceError maps domain errors to status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err, message)
	case errors.Is(err, domain.ErrUnknownSurface), errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err, message)
	case errors.Is(err, domain.ErrRunNotActive), errors.Is(err, domain.ErrRunActive):
		writeError(w, http.StatusConflict, err, message)
	case errors.Is(err, errHistoryDisabled):
		writeError(w, http.StatusServiceUnavailable, err, message)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err, message)
	default:
		h.logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, err, message)
	}
}

// surfaceParam returns the surface query parameter, defaulting to the default surface.
func surfaceParam(r *http.Request) string {
	if s := strings.TrimSpace(r.URL.Query().Get("surface")); s != "" {
		return s
	}
	return config.DefaultSurface
}

// extractID extracts the ID from the URL path.
// Expected format: /api/v1/resource/:id or /api/v1/resource/:id/action
func extractID(path, prefix string) string {
	path = strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, _, _ := strings.Cut(path, "/")
	return id
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), "")
}

// ========================================
// Run Handlers
// ========================================

// SubmitRunResponse is returned when a run is accepted.
type SubmitRunResponse struct {
	RunID       uuid.UUID `json:"run_id"`
	Surface     string    `json:"surface"`
	SnapshotURL string    `json:"snapshot_url"`
}

// HandleRuns serves /api/v1/runs: POST submits a run, GET lists history.
func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleSubmitRun(w, r)
	case http.MethodGet:
		h.handleListRuns(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req domain.TrainingRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	surface := surfaceParam(r)

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	runID, err := h.registry.Submit(ctx, surface, req, TriggerAPI)
	if err != nil {
		h.writeServiceError(w, err, "failed to submit run")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitRunResponse{
		RunID:       runID,
		Surface:     surface,
		SnapshotURL: "/api/v1/runs/current?surface=" + surface,
	})
}

// ListRunsResponse represents the response for listing run history.
type ListRunsResponse struct {
	Runs       []*domain.RunRecord       `json:"runs"`
	Pagination domain.PaginationResponse `json:"pagination"`
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeServiceError(w, errHistoryDisabled, "run history unavailable")
		return
	}

	var query domain.RunQuery
	params := r.URL.Query()
	if surface := params.Get("surface"); surface != "" {
		query.Surface = &surface
	}
	if status := params.Get("status"); status != "" {
		s := domain.RecordStatus(status)
		if !s.IsValid() {
			writeError(w, http.StatusBadRequest, domain.NewInvalidInputError("status", status), "invalid status filter")
			return
		}
		query.Status = &s
	}
	if page := params.Get("page"); page != "" {
		if val, err := strconv.Atoi(page); err == nil {
			query.Page = val
		}
	}
	if pageSize := params.Get("page_size"); pageSize != "" {
		if val, err := strconv.Atoi(pageSize); err == nil {
			query.PageSize = val
		}
	}
	query.SetDefaults()

	runs, total, err := h.runs.List(r.Context(), query)
	if err != nil {
		h.writeServiceError(w, err, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*domain.RunRecord{}
	}

	writeJSON(w, http.StatusOK, ListRunsResponse{
		Runs:       runs,
		Pagination: domain.NewPaginationResponse(total, query.Page, query.PageSize),
	})
}

// HandleRunByID serves /api/v1/runs/{id} and /api/v1/runs/current.
func (h *Handler) HandleRunByID(w http.ResponseWriter, r *http.Request) {
	idStr := extractID(r.URL.Path, "/api/v1/runs/")
	if idStr == "current" {
		h.handleCurrentRun(w, r)
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.runs == nil {
		h.writeServiceError(w, errHistoryDisabled, "run history unavailable")
		return
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get run")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Get(surfaceParam(r))
	if err != nil {
		h.writeServiceError(w, err, "unknown surface")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, session.Current())

	case http.MethodDelete:
		ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
		defer cancel()

		if err := session.Cancel(ctx); err != nil {
			h.writeServiceError(w, err, "failed to cancel run")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

// SurfaceStatus summarizes one surface.
type SurfaceStatus struct {
	Surface string           `json:"surface"`
	Active  bool             `json:"active"`
	RunID   *uuid.UUID       `json:"run_id,omitempty"`
	Trigger string           `json:"trigger,omitempty"`
	Status  domain.RunStatus `json:"status"`
	Percent int              `json:"percent"`
	Seq     uint64           `json:"seq"`
}

// HandleListSurfaces lists every surface with the state of its latest run.
func (h *Handler) HandleListSurfaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	sessions := h.registry.Sessions()
	out := make([]SurfaceStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, surfaceStatus(s))
	}

	writeJSON(w, http.StatusOK, map[string]any{"surfaces": out})
}

func surfaceStatus(s *scheduler.Session) SurfaceStatus {
	snap := s.Current()
	st := SurfaceStatus{
		Surface: s.Surface(),
		Status:  snap.State.Status,
		Percent: snap.Percent,
		Seq:     snap.Seq,
	}
	if snap.RunID != uuid.Nil {
		id := snap.RunID
		st.RunID = &id
	}
	if run, ok := s.Active(); ok {
		st.Active = true
		st.Trigger = run.Trigger
	}
	return st
}

// HandleListSchedules lists configured schedules.
func (h *Handler) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	statuses := []scheduler.ScheduleStatus{}
	if h.schedules != nil {
		statuses = append(statuses, h.schedules.Statuses()...)
	}

	writeJSON(w, http.StatusOK, map[string]any{"schedules": statuses})
}

// currentSnapshots returns the current snapshot of every surface as
// WebSocket messages.
func (h *Handler) currentSnapshots() []WSMessage {
	sessions := h.registry.Sessions()
	out := make([]WSMessage, 0, len(sessions))
	for _, s := range sessions {
		msg, err := snapshotMessage(s.Current())
		if err != nil {
			h.logger.Warn("Failed to encode snapshot", zap.String("surface", s.Surface()), zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out
}
