package api

import "net/http"

func (s *Server) handleListBuilders(w http.ResponseWriter, _ *http.Request) {
	builders := s.builders.List()
	s.writeJSON(w, http.StatusOK, builders)
}
