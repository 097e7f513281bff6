package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"enquirychat/internal/model"
)

func notificationPrefix(userID string) []byte {
	return []byte(prefixNotification + userID + "\x00")
}

func notificationKey(userID string, t time.Time, id string) []byte {
	return []byte(prefixNotification + userID + "\x00" + microsKey(t) + "/" + id)
}

func notificationIndexKey(id string) []byte {
	return []byte(prefixNotificationIdx + id)
}

func (s *PebbleStore) lockUser(userID string) func() {
	mu := &s.userLocks[stripe(userID)]
	mu.Lock()
	return mu.Unlock
}

func (s *PebbleStore) InsertNotifications(ctx context.Context, list []*model.Notification) ([]*model.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := model.Timestamp(time.Now())
	out := make([]*model.Notification, 0, len(list))

	b := s.db.NewBatch()
	defer b.Close()
	for _, n := range list {
		stored := *n
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
		stored.UpdatedAt = now
		key := notificationKey(stored.UserID, now, stored.ID)
		if err := setJSON(b, key, &stored); err != nil {
			return nil, err
		}
		if err := b.Set(notificationIndexKey(stored.ID), key, nil); err != nil {
			return nil, err
		}
		out = append(out, &stored)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return out, nil
}

// scanNotifications visits userID's entries newest first until fn returns false
func (s *PebbleStore) scanNotifications(userID string, fn func(key []byte, n *model.Notification) bool) error {
	prefix := notificationPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.Last(); iter.Valid(); iter.Prev() {
		var n model.Notification
		if err := json.Unmarshal(iter.Value(), &n); err != nil {
			return fmt.Errorf("decode notification %s: %w", iter.Key(), err)
		}
		if !fn(append([]byte(nil), iter.Key()...), &n) {
			break
		}
	}
	return iter.Error()
}

func (s *PebbleStore) NotificationsForUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	out := []*model.Notification{}
	err := s.scanNotifications(userID, func(_ []byte, n *model.Notification) bool {
		out = append(out, n)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func (s *PebbleStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	count := 0
	err := s.scanNotifications(userID, func(_ []byte, n *model.Notification) bool {
		if !n.Read {
			count++
		}
		return true
	})
	return count, err
}

func (s *PebbleStore) MarkNotificationRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	val, closer, err := s.db.Get(notificationIndexKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	key := append([]byte(nil), val...)
	closer.Close()

	// the key names its owner, so another user's id reads as missing
	if !bytes.HasPrefix(key, notificationPrefix(userID)) {
		return nil, ErrNotFound
	}
	var n model.Notification
	if err := s.getJSON(key, &n); err != nil {
		return nil, err
	}
	if n.Read {
		return &n, nil
	}
	n.Read = true
	n.UpdatedAt = model.Timestamp(time.Now())

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, &n); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PebbleStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock := s.lockUser(userID)
	defer unlock()

	now := model.Timestamp(time.Now())
	b := s.db.NewBatch()
	defer b.Close()

	var (
		updated int
		setErr  error
	)
	err := s.scanNotifications(userID, func(key []byte, n *model.Notification) bool {
		if n.Read {
			return true
		}
		n.Read = true
		n.UpdatedAt = now
		if setErr = setJSON(b, key, n); setErr != nil {
			return false
		}
		updated++
		return true
	})
	if err != nil {
		return 0, err
	}
	if setErr != nil {
		return 0, setErr
	}
	if updated == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return updated, nil
}
