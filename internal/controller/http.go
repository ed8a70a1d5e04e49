package controller

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/GoSim-25-26J-441/calibration-core/internal/metrics"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

// StatusSource is what the HTTP server reports on
type StatusSource interface {
	Status() RunStatus
	Collector() *metrics.Collector
}

type HTTPServer struct {
	mux    *http.ServeMux
	source StatusSource
}

func NewHTTPServer(source StatusSource) *HTTPServer {
	s := &HTTPServer{
		mux:    http.NewServeMux(),
		source: source,
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/run", s.handleRun)
	s.mux.HandleFunc("/v1/run/commands", s.handleCommands)
	s.mux.HandleFunc("/v1/run/metrics", s.handleMetrics)

	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// handleRun reports the run state without the command history
func (s *HTTPServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := s.source.Status()
	commands := len(st.Commands)
	st.Commands = nil
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run":      st,
		"commands": commands,
	})
}

func (s *HTTPServer) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := s.source.Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   st.RunID,
		"commands": st.Commands,
	})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	c := s.source.Collector()
	if c == nil {
		s.writeError(w, http.StatusNotFound, "no metrics collected")
		return
	}
	sum := c.Summary()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   s.source.Status().RunID,
		"duration": sum.Duration.String(),
		"metrics":  sum.Aggregations,
	})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": message,
	})
}
