package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	maestro "github.com/nevindra/maestro"
)

// runRequest is the parsed body of POST /run.
type runRequest struct {
	Goal           string                `json:"goal"`
	ProjectContext string                `json:"project_context"`
	SessionID      string                `json:"session_id"`
	ChatHistory    []maestro.ChatMessage `json:"chat_history"`
	Priority       string                `json:"priority"`
	Verbose        bool                  `json:"verbose"`
	// UseEnhanced is accepted for older clients; the full pipeline is the
	// only one now, so the flag changes nothing.
	UseEnhanced bool `json:"use_enhanced"`
}

// knowledgeRef annotates a successful answer with its provenance.
type knowledgeRef struct {
	NodeIDs []string `json:"node_ids,omitempty"`
	Model   string   `json:"model,omitempty"`
	Family  string   `json:"family,omitempty"`
}

// runEnvelope is the wire shape of a run outcome, shared by the sync
// response, the SSE done event, and task status reports.
type runEnvelope struct {
	Status               string                 `json:"status"`
	Output               string                 `json:"output,omitempty"`
	Knowledge            *knowledgeRef          `json:"knowledge,omitempty"`
	Questions            []string               `json:"clarification_questions,omitempty"`
	SuggestedRestatement string                 `json:"suggested_restatement,omitempty"`
	ErrorType            string                 `json:"error_type,omitempty"`
	Message              string                 `json:"message,omitempty"`
	Board                *maestro.BoardDecision `json:"board,omitempty"`
	Steps                []string               `json:"steps,omitempty"`
	CorrelationID        string                 `json:"correlation_id,omitempty"`
}

func envelope(res maestro.RunResult) runEnvelope {
	env := runEnvelope{CorrelationID: res.CorrelationID, Steps: res.Steps}
	switch res.Kind {
	case maestro.ResultSuccess:
		env.Status = "success"
		env.Output = res.Output
		if len(res.KnowledgeIDs) > 0 || res.Model != "" {
			env.Knowledge = &knowledgeRef{
				NodeIDs: res.KnowledgeIDs,
				Model:   res.Model,
				Family:  string(res.Family),
			}
		}
	case maestro.ResultClarify:
		env.Status = "needs_clarification"
		env.Questions = res.Questions
		env.SuggestedRestatement = res.SuggestedRestatement
	default:
		env.Status = "failed"
		env.ErrorType = string(res.FailKind)
		env.Message = res.Message
		env.Board = res.Board
	}
	return env
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req := maestro.RunRequest{
		Goal:           body.Goal,
		ProjectContext: body.ProjectContext,
		SessionID:      body.SessionID,
		History:        body.ChatHistory,
		Priority:       maestro.TaskPriority(body.Priority),
		Verbose:        body.Verbose,
		CorrelationID:  correlationFrom(r.Context()),
	}

	q := r.URL.Query()
	switch {
	case boolQuery(q.Get("async_mode")):
		s.runAsync(w, r, req)
	case boolQuery(q.Get("stream")):
		s.runStream(w, r, req)
	default:
		s.runSync(w, r, req)
	}
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request, req maestro.RunRequest) {
	res, err := s.runner.Run(r.Context(), req)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(res))
}

func (s *Server) runAsync(w http.ResponseWriter, r *http.Request, req maestro.RunRequest) {
	taskID, err := s.runner.RunAsync(r.Context(), req)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":        taskID,
		"correlation_id": req.CorrelationID,
		"status_url":     "/run/status/" + taskID,
	})
}

// runStream drives a synchronous run over SSE. Stage transitions and text
// deltas stream as they happen, heartbeats cover silent stretches, and the
// final envelope arrives as a "done" event (or "error" for request
// mistakes and overload).
func (s *Server) runStream(w http.ResponseWriter, r *http.Request, req maestro.RunRequest) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}
	maestro.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	events := make(chan maestro.StreamEvent, 16)
	out := make(chan maestro.StreamEvent, 16)
	go maestro.RelayWithHeartbeat(r.Context(), events, out, s.heartbeat)

	req.Stream = events
	type outcome struct {
		res maestro.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.runner.Run(r.Context(), req)
		close(events)
		done <- outcome{res, err}
	}()

	for ev := range out {
		if err := maestro.WriteSSEEvent(w, string(ev.Type), ev); err != nil {
			s.logger.Warn("sse write failed", "error", err)
			return
		}
	}

	oc := <-done
	if oc.err != nil {
		maestro.WriteSSEEvent(w, "error", map[string]string{"error": oc.err.Error()})
		return
	}
	maestro.WriteSSEEvent(w, "done", envelope(oc.res))
}

// writeRunError maps run submission errors onto HTTP codes: overload to
// 503 with Retry-After, caller mistakes to 400.
func writeRunError(w http.ResponseWriter, err error) {
	var overloaded *maestro.ErrOverloaded
	if errors.As(err, &overloaded) {
		secs := int(overloaded.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusServiceUnavailable, "overloaded, retry later")
		return
	}
	var cfg *maestro.ErrConfig
	if errors.As(err, &cfg) {
		writeError(w, http.StatusBadRequest, cfg.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func boolQuery(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
