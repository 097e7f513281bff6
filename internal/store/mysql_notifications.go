package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"enquirychat/internal/model"
)

const notificationColumns = "id, user_id, title, body, type, link, is_read, created_at, updated_at"

func scanNotification(row interface{ Scan(...any) error }) (*model.Notification, error) {
	var n model.Notification
	var typ string
	if err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &typ, &n.Link, &n.Read, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Type = model.NotificationType(typ)
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}

func (s *MySQLStore) InsertNotifications(ctx context.Context, list []*model.Notification) ([]*model.Notification, error) {
	out := make([]*model.Notification, 0, len(list))
	if len(list) == 0 {
		return out, nil
	}
	now := model.Timestamp(time.Now())

	rows := make([]string, 0, len(list))
	args := make([]any, 0, len(list)*9)
	for _, n := range list {
		stored := *n
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
		stored.UpdatedAt = now
		rows = append(rows, "("+placeholders(9)+")")
		args = append(args, stored.ID, stored.UserID, stored.Title, stored.Body, string(stored.Type), stored.Link, stored.Read, now, now)
		out = append(out, &stored)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO notifications ("+notificationColumns+") VALUES "+strings.Join(rows, ","), args...); err != nil {
		if isDuplicate(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return out, nil
}

func (s *MySQLStore) NotificationsForUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	query := "SELECT " + notificationColumns + " FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC"
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *MySQLStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID).Scan(&n)
	return n, err
}

func (s *MySQLStore) MarkNotificationRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, updated_at = ? WHERE id = ? AND user_id = ? AND is_read = 0",
		model.Timestamp(time.Now()), id, userID); err != nil {
		return nil, err
	}
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ? AND user_id = ?", id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *MySQLStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, updated_at = ? WHERE user_id = ? AND is_read = 0",
		model.Timestamp(time.Now()), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
