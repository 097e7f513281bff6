// Package readstate maintains read receipts and computes unread counts.
//
// The receipt list on each message is the only authority for unread counts.
// Counts are recomputed from the store on every request and never cached.
package readstate

import (
	"context"
	"fmt"
	"time"

	"enquirychat/internal/metrics"
	"enquirychat/internal/model"
	"enquirychat/internal/store"
)

type Engine struct {
	messages store.MessageStore
	channels store.ChannelStore
	now      func() time.Time
}

func New(messages store.MessageStore, channels store.ChannelStore) *Engine {
	return &Engine{messages: messages, channels: channels, now: time.Now}
}

// UnreadCount counts live messages in the channel that userID did not send
// and holds no receipt for.
func (e *Engine) UnreadCount(ctx context.Context, channelID, userID string) (int, error) {
	n, err := e.messages.CountUnread(ctx, channelID, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkRead upserts a receipt stamped now for every user on every message of
// the channel they did not send, or only on messageIDs when given. Calling it
// again refreshes the timestamps without adding entries.
func (e *Engine) MarkRead(ctx context.Context, channelID string, users []string, messageIDs ...string) error {
	users = model.UniqueUsers(users)
	if len(users) == 0 {
		return nil
	}
	if err := e.messages.UpsertReceipts(ctx, channelID, users, messageIDs, e.now()); err != nil {
		return fmt.Errorf("upsert receipts: %w", err)
	}
	metrics.ReadMarks.Add(float64(len(users)))
	return nil
}

// MarkChannelLastRead moves the channel-level "last seen" marker. It drives
// list display only and never affects unread counts.
func (e *Engine) MarkChannelLastRead(ctx context.Context, channelID string, users []string) error {
	users = model.UniqueUsers(users)
	if len(users) == 0 {
		return nil
	}
	if err := e.channels.SetLastRead(ctx, channelID, users, e.now()); err != nil {
		return fmt.Errorf("set last read: %w", err)
	}
	return nil
}
