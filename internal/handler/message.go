package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"enquirychat/internal/logger"
)

// queryInt reads a non-negative integer parameter; absent means zero
func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ListChats handles GET /api/chats
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	page, ok1 := queryInt(r, "page")
	limit, ok2 := queryInt(r, "limit")
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "page and limit must be non-negative integers")
		return
	}
	search := strings.TrimSpace(r.URL.Query().Get("search"))

	list, err := h.Service.ListChannels(r.Context(), caller(r).UserID, page, limit, search)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListMessages handles GET /api/chats/{chatId}/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]

	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = &t
	}

	page, err := h.Service.ListMessages(r.Context(), caller(r).UserID, chatID, before, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// MarkRead handles POST /api/chats/{chatId}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]
	if err := h.Service.MarkChannelRead(r.Context(), caller(r).UserID, chatID); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type editRequest struct {
	Message *string `json:"message"`
}

// EditMessage handles PATCH /api/chats/{chatId}/messages/{messageId}
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req editRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == nil {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	user := caller(r).UserID
	msg, err := h.Service.EditMessage(r.Context(), user, vars["chatId"], vars["messageId"], *req.Message)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.Info("message_edited", "chat", vars["chatId"], "message", msg.ID, "user", user)
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage handles DELETE /api/chats/{chatId}/messages/{messageId}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := caller(r).UserID

	if _, err := h.Service.DeleteMessage(r.Context(), user, vars["chatId"], vars["messageId"]); err != nil {
		fail(w, r, err)
		return
	}
	logger.Info("message_deleted", "chat", vars["chatId"], "message", vars["messageId"], "user", user)
	w.WriteHeader(http.StatusNoContent)
}
