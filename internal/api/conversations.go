package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/rsagent/internal/storage"
)

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		convs, err := deps.Conversations.ListConversations(limit, offset)
		if err != nil {
			slog.Error("listing conversations", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to list conversations")
			return
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Conversations.GetConversation(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "conversation 不存在")
			return
		}
		if err != nil {
			slog.Error("loading conversation", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to load conversation")
			return
		}
		if conv.Messages == nil {
			conv.Messages = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
