package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	maestro "github.com/nevindra/maestro"
)

// taskStatusResponse is the GET /run/status/{id} body: the sync envelope
// plus the task identity and queue state.
type taskStatusResponse struct {
	TaskID    string `json:"task_id"`
	TaskState string `json:"task_state"`
	runEnvelope
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	report, err := s.runner.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, maestro.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := taskStatusResponse{TaskID: report.TaskID, TaskState: report.State}
	if report.Result != nil {
		resp.runEnvelope = envelope(*report.Result)
	} else {
		resp.Status = report.State
	}
	if report.Reason != "" && resp.Message == "" {
		resp.Message = report.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version": s.version,
		"capabilities": []string{
			"run", "run_async", "run_stream", "board_consult", "standards",
		},
		"levels": map[string]bool{
			"agent":      true,
			"enhanced":   true,
			"initiative": false,
		},
	}
	if s.latency != nil {
		snap := s.latency.Snapshot()
		resp["rag_latency"] = map[string]any{
			"last":          snap.Last,
			"slow_count":    snap.SlowCount,
			"last_slow_at":  snap.LastSlowAt,
			"thresholds_ms": snap.Thresholds,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth probes every registered subsystem with a short deadline.
// All passing is "ok"; a failing non-critical check degrades; a failing
// critical check makes the service unhealthy and returns 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	subsystems := make(map[string]bool, len(s.checks))
	status := "ok"
	code := http.StatusOK
	for _, check := range s.checks {
		ok := check.Probe(ctx) == nil
		subsystems[check.Name] = ok
		if ok {
			continue
		}
		if check.Critical {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else if status == "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"subsystems": subsystems,
	})
}
