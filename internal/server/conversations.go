package server

import (
	"errors"
	"net/http"
	"strconv"

	"chatty/internal/domain"
)

const defaultListLimit = 100

func parseLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context(), parseLimit(r))
	if err != nil {
		s.logger.Error("list conversations", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("load conversation", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msgs, err := s.store.GetMessages(r.Context(), id, parseLimit(r))
	if err != nil {
		s.logger.Error("load messages", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.manager.InFlight(id) {
		writeJSONError(w, http.StatusConflict, "an exchange is in flight for this conversation")
		return
	}
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.logger.Error("delete conversation", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
