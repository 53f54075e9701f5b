package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/internal/compile"
	"github.com/kilnhq/kiln/internal/graph"
)

// maxSessionBodySize bounds compile and run request bodies. Graphs carry
// constant tensors inline, so this is larger than the pipeline body limit.
const maxSessionBodySize = 16 << 20 // 16 MB

// sessionManager holds compiled modules by session id. Sessions are
// in-memory only: a restart drops them, while their build records survive in
// the store.
type sessionManager struct {
	compiler *compile.Compiler

	mu      sync.RWMutex
	modules map[string]*compile.Module
}

func newSessionManager(compiler *compile.Compiler) *sessionManager {
	return &sessionManager{
		compiler: compiler,
		modules:  make(map[string]*compile.Module),
	}
}

func (sm *sessionManager) add(m *compile.Module) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.modules[m.ID()] = m
}

func (sm *sessionManager) get(id string) (*compile.Module, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	m, ok := sm.modules[id]
	return m, ok
}

func (sm *sessionManager) count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.modules)
}

func (sm *sessionManager) remove(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.modules[id]; !ok {
		return false
	}
	delete(sm.modules, id)
	return true
}

// createSessionRequest is the JSON body for POST /v1/sessions: a graph, the
// sample inputs whose shapes seed the engine cache, and optional settings.
type createSessionRequest struct {
	Graph    *graph.Graph     `json:"graph"`
	Inputs   []*graph.Tensor  `json:"inputs"`
	Settings compile.Settings `json:"settings"`
}

// runSessionRequest is the JSON body for POST /v1/sessions/:id/run.
type runSessionRequest struct {
	Inputs []*graph.Tensor `json:"inputs"`
}

// runSessionResponse carries the outputs plus cache observability fields so
// clients can tell whether the run hit the engine cache.
type runSessionResponse struct {
	Outputs        []*graph.Tensor `json:"outputs"`
	Recompilations int             `json:"recompilations"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxSessionBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Graph == nil || len(req.Graph.Nodes) == 0 {
		s.writeError(w, http.StatusBadRequest, "graph is required")
		return
	}
	normalizeInputs(req.Inputs)

	m, err := s.sessions.compiler.Compile(r.Context(), req.Graph, req.Inputs, req.Settings)
	if err != nil {
		switch {
		case errors.Is(err, graph.ErrInvalidGraph),
			errors.Is(err, compile.ErrInvalidSettings),
			errors.Is(err, compile.ErrBadInputs):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, compile.ErrBuildFailed):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error("compile session", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to compile graph")
		}
		return
	}

	s.sessions.add(m)
	s.writeJSON(w, http.StatusCreated, m.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, ok := s.sessions.get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, m.Info())
}

func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, ok := s.sessions.get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req runSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxSessionBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	normalizeInputs(req.Inputs)

	outputs, err := m.Run(r.Context(), req.Inputs)
	if err != nil {
		switch {
		case errors.Is(err, compile.ErrBadInputs):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, compile.ErrBuildFailed):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error("run session", "session_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to run session")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, runSessionResponse{
		Outputs:        outputs,
		Recompilations: m.Recompilations(),
	})
}

func (s *Server) handleResetSessionCache(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, ok := s.sessions.get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	m.Reset()
	s.writeJSON(w, http.StatusOK, m.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.sessions.remove(id) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// normalizeInputs fills in zero data for inputs sent as bare shapes.
func normalizeInputs(inputs []*graph.Tensor) {
	for i, in := range inputs {
		if in != nil && in.Data == nil {
			inputs[i] = graph.NewTensor(in.Shape...)
		}
	}
}
