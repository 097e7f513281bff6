// Package store persists channels, their message ledgers and the users'
// notification inboxes.
//
// Two backends implement Store: MySQLStore for server deployments and
// PebbleStore for embedded single-node use and tests. Both give the same
// guarantees: one channel per (subject, kind), strictly increasing message
// timestamps per channel, and receipt upserts that are atomic per
// (message, user) with the later timestamp winning.
package store

import (
	"context"
	"errors"
	"time"

	"enquirychat/internal/model"
)

var (
	// ErrNotFound is returned when a channel or message does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness rule
	ErrConflict = errors.New("conflict")
)

// ChannelQuery selects the channels of one participant
type ChannelQuery struct {
	UserID string
	Search string
	Offset int
	Limit  int
}

// ChannelStore owns Channel records
type ChannelStore interface {
	// CreateChannel inserts ch unless a channel for (SubjectID, Kind) exists,
	// in which case the existing record is returned untouched and created is false.
	CreateChannel(ctx context.Context, ch *model.Channel) (stored *model.Channel, created bool, err error)
	ChannelByID(ctx context.Context, id string) (*model.Channel, error)
	ChannelBySubject(ctx context.Context, subjectID string, kind model.ChannelKind) (*model.Channel, error)
	ChannelsBySubject(ctx context.Context, subjectID string) ([]*model.Channel, error)
	ReplaceParticipants(ctx context.Context, subjectID string, kind model.ChannelKind, users []string) error
	AddParticipant(ctx context.Context, subjectID string, kind model.ChannelKind, userID string) error
	// ListChannelsForUser returns a page sorted by UpdatedAt descending and the total match count.
	ListChannelsForUser(ctx context.Context, q ChannelQuery) ([]*model.Channel, int, error)
	SetLastRead(ctx context.Context, channelID string, users []string, at time.Time) error
	DeleteChannels(ctx context.Context, ids []string) (int, error)
}

// MessageStore owns the per-channel message ledgers
type MessageStore interface {
	// AppendMessage assigns the timestamp, stores msg and moves the channel's
	// latest-message pointer.
	AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
	MessageByID(ctx context.Context, id string) (*model.Message, error)
	// MessagesBefore returns up to limit messages strictly older than before
	// (or the newest when before is zero), newest first.
	MessagesBefore(ctx context.Context, channelID string, before time.Time, limit int) ([]*model.Message, error)
	EditMessage(ctx context.Context, id, body string, at time.Time) (*model.Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*model.Message, error)
	// UpsertReceipts records a read at time at for every user on every
	// message of the channel they did not send. When messageIDs is non-empty
	// only those messages are touched.
	UpsertReceipts(ctx context.Context, channelID string, users, messageIDs []string, at time.Time) error
	// CountUnread counts live messages not sent by user and lacking user's receipt.
	CountUnread(ctx context.Context, channelID, userID string) (int, error)
	DeleteMessagesForChannels(ctx context.Context, channelIDs []string) (int, error)
}

// NotificationStore owns the per-user notification inbox
type NotificationStore interface {
	// InsertNotifications assigns ids and timestamps and stores every entry
	InsertNotifications(ctx context.Context, list []*model.Notification) ([]*model.Notification, error)
	// NotificationsForUser returns up to limit entries, newest first
	NotificationsForUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	// MarkNotificationRead returns ErrNotFound when id does not belong to userID
	MarkNotificationRead(ctx context.Context, userID, id string) (*model.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
}

// Store is the full persistence surface
type Store interface {
	ChannelStore
	MessageStore
	NotificationStore
	Close() error
}
