package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"enquirychat/internal/chat"
	"enquirychat/internal/logger"
	"enquirychat/internal/model"
	"enquirychat/internal/presence"
)

const eventTimeout = 10 * time.Second

// clientError is a protocol error whose text is safe to send back
type clientError string

func (e clientError) Error() string { return string(e) }

const errUserMismatch = clientError("userId does not match the authenticated user")

// Session handles the inbound events of one connection. Every state change
// it makes goes through the chat service; it only remembers its last join.
type Session struct {
	conn    *Connection
	hub     *Hub
	svc     *chat.Service
	limiter *rate.Limiter

	// member is the last join made by this connection; events are handled
	// one at a time so no lock is needed
	member presence.Membership
}

func NewSession(conn *Connection, hub *Hub, svc *chat.Service, perSecond float64, burst int) *Session {
	return &Session{
		conn:    conn,
		hub:     hub,
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Run reads frames until the connection fails, then tears everything down
func (s *Session) Run(ctx context.Context, displayName string) {
	s.hub.Add(s.conn)
	s.svc.Connect(ctx, s.conn.ID, s.conn.UserID, displayName)
	defer func() {
		s.svc.Disconnect(s.conn.ID)
		s.hub.Remove(s.conn)
		s.conn.Close(1000, "bye")
	}()

	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			logger.Debug("ws_read_ended", "conn", s.conn.ID, "error", err)
			return
		}
		if !s.limiter.Allow() {
			s.fail(clientError("rate limit exceeded"))
			continue
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.fail(clientError("malformed event"))
			continue
		}
		s.handle(ctx, env)
	}
}

func (s *Session) handle(parent context.Context, env model.Envelope) {
	ctx, cancel := context.WithTimeout(parent, eventTimeout)
	defer cancel()

	var err error
	switch env.Type {
	case model.EventJoinChat:
		var req model.JoinChatRequest
		if err = s.decode(env, &req, &req.UserID); err == nil {
			var m presence.Membership
			if m, err = s.svc.Join(ctx, s.conn.ID, s.conn.UserID, req.ChatID); err == nil {
				s.member = m
			}
		}
	case model.EventLeaveChat:
		var req model.LeaveChatRequest
		if err = s.decode(env, &req, &req.UserID); err == nil {
			if s.svc.Leave(s.conn.ID, s.member, req.ChatID) {
				s.member = presence.Membership{}
			}
		}
	case model.EventJoinNotificationRoom:
		var req model.NotificationRoomRequest
		if err = s.decode(env, &req, &req.UserID); err == nil {
			s.hub.JoinPersonal(s.conn, s.conn.UserID)
		}
	case model.EventLeaveNotificationRoom:
		var req model.NotificationRoomRequest
		if err = s.decode(env, &req, &req.UserID); err == nil {
			s.hub.LeavePersonal(s.conn, s.conn.UserID)
		}
	case model.EventSendMessage:
		var req model.SendMessageRequest
		if err = s.decode(env, &req, &req.UserID); err == nil {
			_, err = s.svc.Send(ctx, s.conn.UserID, req)
		}
	case model.EventMarkMessagesRead:
		var req model.MarkMessagesReadRequest
		if err = s.decode(env, &req, nil); err == nil {
			err = s.svc.MarkRead(ctx, s.conn.UserID, req.ChatID, req.MessageIDs)
		}
	case model.EventTyping:
		var req model.TypingRequest
		if err = s.decode(env, &req, &req.UserID); err == nil {
			err = s.svc.Typing(ctx, s.conn.UserID, req.ChatID, req.IsTyping)
		}
	default:
		err = clientError("unknown event " + env.Type)
	}

	if err != nil {
		logger.Warn("ws_event_failed", "conn", s.conn.ID, "user", s.conn.UserID, "type", env.Type, "error", err)
		s.fail(err)
	}
}

// decode unmarshals the payload and, when the event names a user, checks
// it is the authenticated one. An omitted userId means the caller.
func (s *Session) decode(env model.Envelope, dst any, userID *string) error {
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return clientError("malformed " + env.Type + " payload")
		}
	}
	if userID != nil && *userID != "" && *userID != s.conn.UserID {
		return errUserMismatch
	}
	return nil
}

// fail reports err to this connection only
func (s *Session) fail(err error) {
	payload, ok := encode(model.Event{Type: model.EventError, Data: model.ErrorEvent{Message: clientMessage(err)}})
	if !ok {
		return
	}
	_ = s.conn.Send(payload)
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return "chat or message not found"
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, chat.ErrInvalid):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	}
	var ce clientError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	return "internal error"
}
