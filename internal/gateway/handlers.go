package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nexus-assist/core/internal/models"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSessions handles POST /v1/sessions (create) and GET /v1/sessions (list).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodPost:
		session, err := s.coordinator.CreateSession(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	case http.MethodGet:
		sessions, err := s.coordinator.ListSessions(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// turnRequest is the body posted to /v1/sessions/{id}/turns.
type turnRequest struct {
	Text         string   `json:"text"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// handleSessionTurn handles /v1/sessions/{id}, /v1/sessions/{id}/history,
// and /v1/sessions/{id}/turns.
func (s *Server) handleSessionTurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.SplitN(path, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodDelete:
		if err := s.coordinator.DeleteSession(ctx, sessionID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case sub == "history" && r.Method == http.MethodGet:
		history, err := s.coordinator.GetHistory(ctx, sessionID, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, history)

	case sub == "turns" && r.Method == http.MethodPost:
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			http.Error(w, "text is required", http.StatusBadRequest)
			return
		}
		userMsg := &models.Message{SessionID: sessionID, Role: models.RoleUser, Text: req.Text}
		result, err := s.coordinator.StartTurn(ctx, sessionID, userMsg, req.AllowedTools)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case sub == "cancel" && r.Method == http.MethodPost:
		s.coordinator.CancelTurn(sessionID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
