// Package api provides HTTP handlers for apptflow endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kasmartw/apptflow/internal/models"
)

type messageRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Platform  string `json:"platform,omitempty"`
}

type messageResult struct {
	Reply string       `json:"reply"`
	State models.State `json:"state"`
}

// messagesHandler runs one orchestration turn for the posted message.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messagesHandler: processing message request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.messagesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Text) == "" {
		slog.Warn("Server.messagesHandler: missing required fields", "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id and text are required"))
		return
	}

	reply, err := s.sessions.HandleMessage(r.Context(), req.SessionID, req.Platform, req.Text)
	if err != nil {
		slog.Error("Server.messagesHandler: turn failed", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	result := messageResult{Reply: reply}
	if sess, err := s.sessions.Get(r.Context(), req.SessionID); err == nil {
		result.State = sess.State
	}

	slog.Info("Server.messagesHandler: turn completed", "sessionID", req.SessionID, "state", result.State)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// sessionHandler returns the last committed session for inspection.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sessionHandler: processing session request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid session ID"))
		return
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.sessionHandler: lookup failed", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
