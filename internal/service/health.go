package service

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/CZERTAINLY/alrj/internal/workdir"
)

type healthResponse struct {
	Status       string           `json:"status"`
	Code         int              `json:"code"`
	Info         string           `json:"info"`
	Ready        bool             `json:"ready"`
	Pending      int              `json:"pending"`
	InProcessing int              `json:"inProcessing"`
	Completed    int              `json:"completed"`
	Error        int              `json:"error"`
	Cleanup      int              `json:"cleanup"`
	Families     []workdir.Family `json:"families"`
}

// HealthHandler serves GET /getInfo with the pool sizes and the handler
// families found in the working tree.
func HealthHandler(s *Scheduler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /getInfo", func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Stats(r.Context())
		if err != nil {
			http.Error(w, "scheduler is not running", http.StatusServiceUnavailable)
			return
		}
		families, err := s.storage.Families()
		if err != nil {
			slog.ErrorContext(r.Context(), "listing families", "error", err)
		}
		if families == nil {
			families = []workdir.Family{}
		}
		resp := healthResponse{
			Status:       "ok",
			Code:         http.StatusOK,
			Info:         "ALRJ server is running.",
			Ready:        stats.Ready,
			Pending:      stats.Pending,
			InProcessing: stats.InProcessing,
			Completed:    stats.Completed,
			Error:        stats.Error,
			Cleanup:      stats.Cleanup,
			Families:     families,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "encoding health response", "error", err)
		}
	})
	return mux
}
