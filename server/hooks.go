package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"optin-comment-notifier/pipeline"
	"optin-comment-notifier/pkg/notifier"
)

const maxHookBody = 1 << 20

// commentEvent is the payload the host posts when a comment needs announcing.
type commentEvent struct {
	Event      string   `json:"event" validate:"required,oneof=comment_notification comment_moderation"`
	Recipients []string `json:"recipients" validate:"dive,required,email"`
	CommentID  int64    `json:"comment_id" validate:"required,gt=0"`
}

func (s *Server) handleCommentHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.Header.Get("X-Hook-Token")
	if s.hookToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.hookToken)) != 1 {
		s.logger.Warn("Rejected comment hook call", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var ev commentEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHookBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		http.Error(w, "Body is invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(ev); err != nil {
		s.logger.Info("Invalid comment hook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	kind, err := pipeline.ParseEvent(ev.Event)
	if err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), kind, notifier.CommentID(ev.CommentID), ev.Recipients)
	if err != nil {
		if s.isNotFound(err) {
			http.Error(w, "Comment not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, r.Context().Err()) {
			s.logger.Info("Comment hook cancelled", "comment_id", ev.CommentID)
			return
		}
		s.logger.Error("Comment dispatch failed", "comment_id", ev.CommentID, "event", ev.Event, "error", err)
		http.Error(w, "Dispatch failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
