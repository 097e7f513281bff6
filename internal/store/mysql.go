package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"enquirychat/internal/model"
)

// MySQLStore implements Store over the schema created by database.Migrate
type MySQLStore struct {
	db *sql.DB
}

// NewMySQL wraps an open connection pool
func NewMySQL(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rollback is deferred after BeginTx; it is a no-op once committed
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

const channelColumns = "c.id, c.subject_id, c.subject_name, c.kind, COALESCE(c.last_message_id, ''), c.created_at, c.updated_at"

func scanChannel(row interface{ Scan(...any) error }) (*model.Channel, error) {
	var ch model.Channel
	var kind string
	if err := row.Scan(&ch.ID, &ch.SubjectID, &ch.SubjectName, &kind, &ch.LastMessageID, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return nil, err
	}
	ch.Kind = model.ChannelKind(kind)
	ch.CreatedAt = ch.CreatedAt.UTC()
	ch.UpdatedAt = ch.UpdatedAt.UTC()
	return &ch, nil
}

// fillChannel loads participants and last-read markers
func (s *MySQLStore) fillChannel(ctx context.Context, q queryer, ch *model.Channel) error {
	rows, err := q.QueryContext(ctx,
		"SELECT user_id FROM channel_participants WHERE channel_id = ? ORDER BY seq", ch.ID)
	if err != nil {
		return err
	}
	ch.Participants = []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return err
		}
		ch.Participants = append(ch.Participants, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.QueryContext(ctx,
		"SELECT user_id, last_read_at FROM channel_last_reads WHERE channel_id = ? ORDER BY user_id", ch.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	ch.LastRead = nil
	for rows.Next() {
		var lr model.LastRead
		if err := rows.Scan(&lr.UserID, &lr.LastReadAt); err != nil {
			return err
		}
		lr.LastReadAt = lr.LastReadAt.UTC()
		ch.LastRead = append(ch.LastRead, lr)
	}
	return rows.Err()
}

func (s *MySQLStore) loadChannel(ctx context.Context, q queryer, where string, args ...any) (*model.Channel, error) {
	row := q.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels c WHERE "+where, args...)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.fillChannel(ctx, q, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *MySQLStore) CreateChannel(ctx context.Context, ch *model.Channel) (*model.Channel, bool, error) {
	id := ch.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := model.Timestamp(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		"INSERT IGNORE INTO channels (id, subject_id, subject_name, kind, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, ch.SubjectID, ch.SubjectName, string(ch.Kind), now, now)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	created := affected == 1
	if created {
		for _, u := range model.UniqueUsers(ch.Participants) {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO channel_participants (channel_id, user_id) VALUES (?, ?)", id, u); err != nil {
				return nil, false, err
			}
		}
	}

	stored, err := s.loadChannel(ctx, tx, "c.subject_id = ? AND c.kind = ?", ch.SubjectID, string(ch.Kind))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *MySQLStore) ChannelByID(ctx context.Context, id string) (*model.Channel, error) {
	return s.loadChannel(ctx, s.db, "c.id = ?", id)
}

func (s *MySQLStore) ChannelBySubject(ctx context.Context, subjectID string, kind model.ChannelKind) (*model.Channel, error) {
	return s.loadChannel(ctx, s.db, "c.subject_id = ? AND c.kind = ?", subjectID, string(kind))
}

func (s *MySQLStore) ChannelsBySubject(ctx context.Context, subjectID string) ([]*model.Channel, error) {
	return s.queryChannels(ctx, "SELECT "+channelColumns+" FROM channels c WHERE c.subject_id = ? ORDER BY c.kind", subjectID)
}

func (s *MySQLStore) queryChannels(ctx context.Context, query string, args ...any) ([]*model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, ch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, ch := range out {
		if err := s.fillChannel(ctx, s.db, ch); err != nil {
			return nil, err
		}
	}
	if out == nil {
		out = []*model.Channel{}
	}
	return out, nil
}

// lockSubjectChannel returns the channel id for (subject, kind) with the row locked
func lockSubjectChannel(ctx context.Context, tx *sql.Tx, subjectID string, kind model.ChannelKind) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		"SELECT id FROM channels WHERE subject_id = ? AND kind = ? FOR UPDATE", subjectID, string(kind)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *MySQLStore) ReplaceParticipants(ctx context.Context, subjectID string, kind model.ChannelKind, users []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	id, err := lockSubjectChannel(ctx, tx, subjectID, kind)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM channel_participants WHERE channel_id = ?", id); err != nil {
		return err
	}
	for _, u := range model.UniqueUsers(users) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO channel_participants (channel_id, user_id) VALUES (?, ?)", id, u); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *MySQLStore) AddParticipant(ctx context.Context, subjectID string, kind model.ChannelKind, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	id, err := lockSubjectChannel(ctx, tx, subjectID, kind)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT IGNORE INTO channel_participants (channel_id, user_id) VALUES (?, ?)", id, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *MySQLStore) ListChannelsForUser(ctx context.Context, q ChannelQuery) ([]*model.Channel, int, error) {
	from := " FROM channels c JOIN channel_participants p ON p.channel_id = c.id AND p.user_id = ?"
	args := []any{q.UserID}
	if search := strings.TrimSpace(q.Search); search != "" {
		from += " WHERE (c.subject_name LIKE ? OR c.subject_id LIKE ?)"
		pattern := likePattern(search)
		args = append(args, pattern, pattern)
	}

	if q.Offset < 0 {
		q.Offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 || q.Offset >= total {
		return []*model.Channel{}, total, nil
	}

	query := "SELECT " + channelColumns + from + " ORDER BY c.updated_at DESC, c.id"
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}
	out, err := s.queryChannels(ctx, query, args...)
	return out, total, err
}

func (s *MySQLStore) SetLastRead(ctx context.Context, channelID string, users []string, at time.Time) error {
	at = model.Timestamp(at)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM channels WHERE id = ?)", channelID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_last_reads (channel_id, user_id, last_read_at) VALUES (?, ?, ?)
			 ON DUPLICATE KEY UPDATE last_read_at = GREATEST(last_read_at, VALUES(last_read_at))`,
			channelID, u, at); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *MySQLStore) DeleteChannels(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	in := placeholders(len(ids))
	args := stringArgs(ids)
	if _, err := tx.ExecContext(ctx, "DELETE FROM channel_participants WHERE channel_id IN ("+in+")", args...); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM channel_last_reads WHERE channel_id IN ("+in+")", args...); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM channels WHERE id IN ("+in+")", args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *MySQLStore) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	// the channel row lock serialises appends so timestamps stay strictly increasing
	var latest time.Time
	err = tx.QueryRowContext(ctx, "SELECT updated_at FROM channels WHERE id = ? FOR UPDATE", msg.ChannelID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	ts := model.Timestamp(time.Now())
	if latest = latest.UTC(); !ts.After(latest) {
		ts = latest.Add(time.Microsecond)
	}
	stored.CreatedAt = ts
	stored.ReadBy = []model.ReadReceipt{}

	var body sql.NullString
	if stored.Body != nil {
		body = sql.NullString{String: *stored.Body, Valid: true}
	}
	a := stored.Attachment
	if a.Empty() {
		a = &model.Attachment{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, parent_id, body, kind, media_key, media_name, media_size, media_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ChannelID, stored.SenderID, nullString(stored.ParentID), body, string(stored.Kind),
		nullString(a.Key), nullString(a.Name), a.Size, nullString(a.URL), ts)
	if isDuplicate(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE channels SET last_message_id = ?, updated_at = ? WHERE id = ?", stored.ID, ts, stored.ChannelID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stored, nil
}

const messageColumns = `id, channel_id, sender_id, COALESCE(parent_id, ''), body, kind,
	COALESCE(media_key, ''), COALESCE(media_name, ''), media_size, COALESCE(media_url, ''),
	created_at, deleted, edited, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var (
		msg       model.Message
		body      sql.NullString
		kind      string
		a         model.Attachment
		updatedAt sql.NullTime
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.ParentID, &body, &kind,
		&a.Key, &a.Name, &a.Size, &a.URL, &msg.CreatedAt, &msg.Deleted, &msg.Edited, &updatedAt); err != nil {
		return nil, err
	}
	if body.Valid {
		msg.Body = &body.String
	}
	msg.Kind = model.MessageKind(kind)
	if !a.Empty() {
		msg.Attachment = &a
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		msg.UpdatedAt = &t
	}
	msg.ReadBy = []model.ReadReceipt{}
	return &msg, nil
}

// attachReceipts loads read receipts in insertion order
func (s *MySQLStore) attachReceipts(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id, user_id, read_at FROM message_reads WHERE message_id IN ("+placeholders(len(ids))+") ORDER BY seq",
		stringArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var r model.ReadReceipt
		if err := rows.Scan(&id, &r.UserID, &r.ReadAt); err != nil {
			return err
		}
		r.ReadAt = r.ReadAt.UTC()
		if m, ok := byID[id]; ok {
			m.ReadBy = append(m.ReadBy, r)
		}
	}
	return rows.Err()
}

func (s *MySQLStore) MessageByID(ctx context.Context, id string) (*model.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachReceipts(ctx, []*model.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MySQLStore) MessagesBefore(ctx context.Context, channelID string, before time.Time, limit int) ([]*model.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE channel_id = ?"
	args := []any{channelID}
	if !before.IsZero() {
		query += " AND created_at < ?"
		args = append(args, model.Timestamp(before))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachReceipts(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MySQLStore) EditMessage(ctx context.Context, id, body string, at time.Time) (*model.Message, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE messages SET body = ?, edited = 1, updated_at = ? WHERE id = ?", body, model.Timestamp(at), id); err != nil {
		return nil, err
	}
	return s.MessageByID(ctx, id)
}

func (s *MySQLStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*model.Message, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE messages SET deleted = 1, updated_at = ? WHERE id = ?", model.Timestamp(at), id); err != nil {
		return nil, err
	}
	return s.MessageByID(ctx, id)
}

func (s *MySQLStore) UpsertReceipts(ctx context.Context, channelID string, users, messageIDs []string, at time.Time) error {
	if len(users) == 0 {
		return nil
	}
	at = model.Timestamp(at)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	for _, u := range users {
		query := `INSERT INTO message_reads (message_id, user_id, read_at)
			SELECT id, ?, ? FROM messages WHERE channel_id = ? AND sender_id <> ?`
		args := []any{u, at, channelID, u}
		if len(messageIDs) > 0 {
			query += " AND id IN (" + placeholders(len(messageIDs)) + ")"
			args = append(args, stringArgs(messageIDs)...)
		}
		query += " ON DUPLICATE KEY UPDATE read_at = GREATEST(read_at, VALUES(read_at))"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert receipts for %s: %w", u, err)
		}
	}
	return tx.Commit()
}

func (s *MySQLStore) CountUnread(ctx context.Context, channelID, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.channel_id = ? AND m.deleted = 0 AND m.sender_id <> ?
		 AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`,
		channelID, userID, userID).Scan(&n)
	return n, err
}

func (s *MySQLStore) DeleteMessagesForChannels(ctx context.Context, channelIDs []string) (int, error) {
	if len(channelIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	in := placeholders(len(channelIDs))
	args := stringArgs(channelIDs)
	if _, err := tx.ExecContext(ctx,
		"DELETE r FROM message_reads r JOIN messages m ON m.id = r.message_id WHERE m.channel_id IN ("+in+")", args...); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE channel_id IN ("+in+")", args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}
