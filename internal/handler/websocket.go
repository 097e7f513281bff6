package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"enquirychat/internal/auth"
	"enquirychat/internal/logger"
	"enquirychat/internal/realtime"
)

// createUpgrader creates a WebSocket upgrader with the given allowed origins.
// Requests without an Origin header come from native apps and are accepted.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedMap[origin]
		},
	}
}

// HandleWebSocket handles GET /ws. The token is checked once, before the
// upgrade; the session then runs until the socket closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, err := h.Auth.FromRequest(r)
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, auth.ErrMissingToken) {
			status = http.StatusUnauthorized
		}
		logger.Debug("ws_auth_rejected", "remote", r.RemoteAddr, "error", err)
		writeError(w, status, "Unauthorized")
		return
	}

	upgrader := createUpgrader(h.Config.AllowedOrigins)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	conn := realtime.NewConnection(p.UserID, ws)
	session := realtime.NewSession(conn, h.Hub, h.Service, h.Config.WSEventsPerSecond, h.Config.WSEventBurst)
	session.Run(context.WithoutCancel(r.Context()), p.Name)
}
