package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total                 int            `json:"total"`
	ByStatus              map[string]int `json:"by_status"`
	AvgDurationMS         float64        `json:"avg_duration_ms"`
	TotalCompletionTokens int            `json:"total_completion_tokens"`
	ActiveRequests        int            `json:"active_requests"`
	Backend               string         `json:"backend"`
	MaxBatchSize          int            `json:"max_batch_size"`
	VocabSize             int            `json:"vocab_size"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRequestStats(r.Context())
	if err != nil {
		s.logger.Error("get request stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	caps := s.executor.Backend().Capabilities()
	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:                 stats.Total,
		ByStatus:              stats.CountByStatus,
		AvgDurationMS:         stats.AvgDurationMS,
		TotalCompletionTokens: stats.TotalCompletionTokens,
		ActiveRequests:        s.executor.ActiveRequests(),
		Backend:               caps.Name,
		MaxBatchSize:          caps.MaxBatchSize,
		VocabSize:             caps.VocabSize,
	})
}
