package api

import (
	"net/http"

	"github.com/kilnhq/kiln/internal/model"
)

// listEngineRecordsResponse wraps the paginated engine build history.
type listEngineRecordsResponse struct {
	Engines []*model.EngineRecord `json:"engines"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

func (s *Server) handleListEngineRecords(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.store.ListEngineRecords(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list engine records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list engine records")
		return
	}

	if records == nil {
		records = []*model.EngineRecord{}
	}

	s.writeJSON(w, http.StatusOK, listEngineRecordsResponse{
		Engines: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}
