package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/internal/engine"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// triggerPipelineRequest is the JSON body for POST /v1/pipelines.
type triggerPipelineRequest struct {
	Branch  string `json:"branch"`
	Trigger string `json:"trigger"`
	Builder string `json:"builder"`
}

// listPipelinesResponse wraps the paginated list response.
type listPipelinesResponse struct {
	Pipelines []*model.Pipeline `json:"pipelines"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

func (s *Server) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	var req triggerPipelineRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Branch == "" {
		s.writeError(w, http.StatusBadRequest, "branch is required")
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerPush
	}
	if trigger != model.TriggerPush && trigger != model.TriggerManual {
		s.writeError(w, http.StatusBadRequest, "unknown trigger kind")
		return
	}

	p, err := s.engine.Trigger(r.Context(), req.Branch, trigger, req.Builder)
	if errors.Is(err, engine.ErrBranchNotAllowed) || errors.Is(err, model.ErrInvalidBranch) {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("trigger pipeline", "branch", req.Branch, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to trigger pipeline")
		return
	}

	s.writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.store.GetPipeline(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		s.logger.Error("get pipeline", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get pipeline")
		return
	}

	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	pipelines, total, err := s.store.ListPipelines(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list pipelines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list pipelines")
		return
	}

	if pipelines == nil {
		pipelines = []*model.Pipeline{}
	}

	s.writeJSON(w, http.StatusOK, listPipelinesResponse{
		Pipelines: pipelines,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleCancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(id); err != nil {
		// Not in flight: distinguish unknown pipelines from already-finished ones.
		p, getErr := s.store.GetPipeline(r.Context(), id)
		if errors.Is(getErr, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "pipeline not found")
			return
		}
		if getErr != nil {
			s.logger.Error("get pipeline for cancel", "error", getErr)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel pipeline")
			return
		}
		if model.IsTerminal(p.Status) {
			s.writeJSON(w, http.StatusOK, p)
			return
		}
		s.logger.Error("cancel pipeline", "pipeline_id", id, "error", err)
		s.writeError(w, http.StatusConflict, "pipeline is not cancellable")
		return
	}

	p, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled pipeline", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve pipeline")
		return
	}

	s.writeJSON(w, http.StatusOK, p)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
