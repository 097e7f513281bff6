package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"enquirychat/internal/auth"
	"enquirychat/internal/chat"
	"enquirychat/internal/config"
	"enquirychat/internal/logger"
	"enquirychat/internal/media"
	"enquirychat/internal/metrics"
	"enquirychat/internal/notification"
	"enquirychat/internal/realtime"
)

// maxBodyBytes caps JSON request bodies
const maxBodyBytes = 1 << 20

// Handler holds application dependencies
type Handler struct {
	Config        config.Config
	Service       *chat.Service
	Notifications *notification.Service
	Hub           *realtime.Hub
	Auth          *auth.Verifier
	Media         media.Store // nil when uploads are disabled
}

// New creates a new Handler with the given dependencies
func New(cfg config.Config, svc *chat.Service, notes *notification.Service, hub *realtime.Hub, verifier *auth.Verifier, store media.Store) *Handler {
	return &Handler{
		Config:        cfg,
		Service:       svc,
		Notifications: notes,
		Hub:           hub,
		Auth:          verifier,
		Media:         store,
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// WebSocket; authenticates itself so browsers can pass ?token=
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.Auth.Middleware)

	api.HandleFunc("/chats", h.ListChats).Methods("GET")
	api.HandleFunc("/chats/{chatId}/messages", h.ListMessages).Methods("GET")
	api.HandleFunc("/chats/{chatId}/read", h.MarkRead).Methods("POST")
	api.HandleFunc("/chats/{chatId}/messages/{messageId}", h.EditMessage).Methods("PATCH")
	api.HandleFunc("/chats/{chatId}/messages/{messageId}", h.DeleteMessage).Methods("DELETE")

	api.HandleFunc("/messages/upload", h.UploadMedia).Methods("POST")
	api.HandleFunc("/push/tokens", h.RegisterToken).Methods("POST")

	api.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	api.HandleFunc("/notifications/unread-count", h.UnreadNotifications).Methods("GET")
	api.HandleFunc("/notifications/mark-all-read", h.MarkAllNotificationsRead).Methods("POST")
	api.HandleFunc("/notifications/{id}/read", h.MarkNotificationRead).Methods("PATCH")
	api.Handle("/notifications/alerts", staffOnly(http.HandlerFunc(h.CreateAlerts))).Methods("POST")

	subjects := api.PathPrefix("/subjects").Subrouter()
	subjects.Use(staffOnly)
	subjects.HandleFunc("/{subjectId}/chats/{kind}", h.EnsureChat).Methods("PUT")
	subjects.HandleFunc("/{subjectId}/chats/{kind}/participants", h.AddParticipant).Methods("POST")
	subjects.HandleFunc("/{subjectId}", h.DeleteSubject).Methods("DELETE")

	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": h.Hub.Count()})
}

func staffOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		if !ok || !p.Staff() {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response_encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON body of at most maxBodyBytes into dst
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Debug("bad_request_body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// fail maps service errors onto status codes. Unexpected errors are logged
// and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request_failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
