// Package notification keeps each user's persisted inbox of alerts and
// pushes new alerts to their devices.
package notification

import (
	"context"
	"fmt"
	"strings"

	"enquirychat/internal/logger"
	"enquirychat/internal/metrics"
	"enquirychat/internal/model"
	"enquirychat/internal/push"
	"enquirychat/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

type PushQueue interface {
	Submit(job push.Job) bool
}

type Service struct {
	store store.NotificationStore
	push  PushQueue
}

func New(s store.NotificationStore, pushes PushQueue) *Service {
	return &Service{store: s, push: pushes}
}

// Alert is one notification addressed to several users
type Alert struct {
	UserIDs []string `json:"userIds"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Type    string   `json:"type"`
	Link    string   `json:"link"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalid, fmt.Sprintf(format, args...))
}

// CreateAlerts stores one inbox entry per user, then queues a single push
// for all of them. A push that cannot be queued does not undo the entries.
func (s *Service) CreateAlerts(ctx context.Context, a Alert) ([]*model.Notification, error) {
	users := model.UniqueUsers(a.UserIDs)
	if len(users) == 0 {
		return nil, invalid("at least one user is required")
	}
	title := strings.TrimSpace(a.Title)
	body := strings.TrimSpace(a.Body)
	if title == "" || body == "" {
		return nil, invalid("title and body are required")
	}
	typ, err := model.ParseNotificationType(a.Type)
	if err != nil {
		return nil, err
	}
	link := strings.TrimSpace(a.Link)

	list := make([]*model.Notification, 0, len(users))
	for _, u := range users {
		list = append(list, &model.Notification{UserID: u, Title: title, Body: body, Type: typ, Link: link})
	}
	created, err := s.store.InsertNotifications(ctx, list)
	if err != nil {
		return nil, fmt.Errorf("insert notifications: %w", err)
	}
	metrics.NotificationsCreated.Add(float64(len(created)))

	job := push.Job{
		Users: users,
		Notification: push.Notification{
			Title:          title,
			Body:           body,
			Data:           map[string]string{"type": string(typ), "link": link},
			AndroidChannel: push.AndroidChannelFor(typ),
		},
	}
	if !s.push.Submit(job) {
		logger.Warn("alert_push_not_queued", "type", typ, "users", len(users))
	}
	logger.Info("alerts_created", "type", typ, "users", len(users))
	return created, nil
}

// List returns userID's newest notifications; limit defaults to 50 and is capped at 100
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return s.store.NotificationsForUser(ctx, userID, limit)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnreadNotifications(ctx, userID)
}

// MarkRead marks one of userID's notifications read. Another user's id is
// reported as not found.
func (s *Service) MarkRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalid("notification id is required")
	}
	return s.store.MarkNotificationRead(ctx, userID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}
