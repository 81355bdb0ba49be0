package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// consultRequest is the parsed body of POST /api/board/consult.
type consultRequest struct {
	Question      string `json:"question"`
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id"`
	Source        string `json:"source"`
}

// handleBoardConsult asks the expert board directly, without a failed task
// behind the question. Guarded by X-API-Key; disabled when no key is
// configured.
func (s *Server) handleBoardConsult(w http.ResponseWriter, r *http.Request) {
	if s.board == nil || s.apiKey == "" {
		writeError(w, http.StatusNotFound, "board consult disabled")
		return
	}
	key := r.Header.Get("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var body consultRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	correlationID := body.CorrelationID
	if correlationID == "" {
		correlationID = correlationFrom(r.Context())
	}
	s.logger.Info("board consult",
		"source", body.Source,
		"user_id", body.UserID,
		"correlation_id", correlationID)

	decision := s.board.Consult(r.Context(), body.Question, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"decision":       decision,
		"correlation_id": correlationID,
	})
}
