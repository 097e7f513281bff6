package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"enquirychat/internal/notification"
)

// ListNotifications handles GET /api/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	list, err := h.Notifications.List(r.Context(), caller(r).UserID, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// UnreadNotifications handles GET /api/notifications/unread-count
func (h *Handler) UnreadNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := h.Notifications.UnreadCount(r.Context(), caller(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// MarkNotificationRead handles PATCH /api/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.Notifications.MarkRead(r.Context(), caller(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// MarkAllNotificationsRead handles POST /api/notifications/mark-all-read
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	updated, err := h.Notifications.MarkAllRead(r.Context(), caller(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "All notifications marked as read", "updated": updated})
}

// CreateAlerts handles POST /api/notifications/alerts (staff only)
func (h *Handler) CreateAlerts(w http.ResponseWriter, r *http.Request) {
	var req notification.Alert
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := h.Notifications.CreateAlerts(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
