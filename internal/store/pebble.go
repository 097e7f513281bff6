package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"

	"enquirychat/internal/logger"
	"enquirychat/internal/model"
)

// key layout:
//
//	c/<channel>                     channel record
//	cs/<subject>\x00<kind>          channel id, uniqueness index
//	m/<channel>/<micros>/<message>  message record, time ordered
//	mi/<message>                    message key
//	n/<user>\x00<micros>/<id>       notification record, time ordered
//	ni/<id>                         notification key
const (
	prefixChannel         = "c/"
	prefixSubject         = "cs/"
	prefixMessage         = "m/"
	prefixMessageIdx      = "mi/"
	prefixNotification    = "n/"
	prefixNotificationIdx = "ni/"

	lockStripes = 64
)

// PebbleStore is an embedded Store on top of Pebble. Pebble has no
// transactions, so every write to a channel or its messages runs under
// that channel's stripe lock and lands in a single batch.
type PebbleStore struct {
	db *pebble.DB

	channelLocks [lockStripes]sync.Mutex
	subjectLocks [lockStripes]sync.Mutex
	userLocks    [lockStripes]sync.Mutex
}

// OpenPebble opens or creates a store at path
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// OpenPebbleInMemory opens a store backed by an in-memory filesystem
func OpenPebbleInMemory() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

func (s *PebbleStore) lockChannel(id string) func() {
	mu := &s.channelLocks[stripe(id)]
	mu.Lock()
	return mu.Unlock
}

func (s *PebbleStore) lockSubject(subjectID string, kind model.ChannelKind) func() {
	mu := &s.subjectLocks[stripe(subjectID+"\x00"+string(kind))]
	mu.Lock()
	return mu.Unlock
}

func channelKey(id string) []byte {
	return []byte(prefixChannel + id)
}

func subjectKey(subjectID string, kind model.ChannelKind) []byte {
	return []byte(prefixSubject + subjectID + "\x00" + string(kind))
}

func messagePrefix(channelID string) []byte {
	return []byte(prefixMessage + channelID + "/")
}

func microsKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixMicro())
}

func messageKey(channelID string, t time.Time, id string) []byte {
	return []byte(prefixMessage + channelID + "/" + microsKey(t) + "/" + id)
}

func messageIndexKey(id string) []byte {
	return []byte(prefixMessageIdx + id)
}

// prefixEnd returns the smallest key greater than every key with prefix p
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) getJSON(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

func (s *PebbleStore) channel(id string) (*model.Channel, error) {
	var ch model.Channel
	if err := s.getJSON(channelKey(id), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *PebbleStore) channelIDForSubject(subjectID string, kind model.ChannelKind) (string, error) {
	val, closer, err := s.db.Get(subjectKey(subjectID, kind))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(val), nil
}

func (s *PebbleStore) writeChannel(ch *model.Channel) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, channelKey(ch.ID), ch); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// updateChannel applies fn to the stored channel under its lock
func (s *PebbleStore) updateChannel(id string, fn func(ch *model.Channel)) error {
	unlock := s.lockChannel(id)
	defer unlock()
	ch, err := s.channel(id)
	if err != nil {
		return err
	}
	fn(ch)
	return s.writeChannel(ch)
}

func (s *PebbleStore) CreateChannel(ctx context.Context, ch *model.Channel) (*model.Channel, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	unlock := s.lockSubject(ch.SubjectID, ch.Kind)
	defer unlock()

	if id, err := s.channelIDForSubject(ch.SubjectID, ch.Kind); err == nil {
		existing, err := s.channel(id)
		return existing, false, err
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	stored := *ch
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := model.Timestamp(time.Now())
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Participants = model.UniqueUsers(stored.Participants)

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, channelKey(stored.ID), &stored); err != nil {
		return nil, false, err
	}
	if err := b.Set(subjectKey(stored.SubjectID, stored.Kind), []byte(stored.ID), nil); err != nil {
		return nil, false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, false, err
	}
	return &stored, true, nil
}

func (s *PebbleStore) ChannelByID(ctx context.Context, id string) (*model.Channel, error) {
	return s.channel(id)
}

func (s *PebbleStore) ChannelBySubject(ctx context.Context, subjectID string, kind model.ChannelKind) (*model.Channel, error) {
	id, err := s.channelIDForSubject(subjectID, kind)
	if err != nil {
		return nil, err
	}
	return s.channel(id)
}

func (s *PebbleStore) ChannelsBySubject(ctx context.Context, subjectID string) ([]*model.Channel, error) {
	prefix := []byte(prefixSubject + subjectID + "\x00")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]*model.Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := s.channel(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func (s *PebbleStore) ReplaceParticipants(ctx context.Context, subjectID string, kind model.ChannelKind, users []string) error {
	id, err := s.channelIDForSubject(subjectID, kind)
	if err != nil {
		return err
	}
	return s.updateChannel(id, func(ch *model.Channel) {
		ch.Participants = model.UniqueUsers(users)
	})
}

func (s *PebbleStore) AddParticipant(ctx context.Context, subjectID string, kind model.ChannelKind, userID string) error {
	id, err := s.channelIDForSubject(subjectID, kind)
	if err != nil {
		return err
	}
	return s.updateChannel(id, func(ch *model.Channel) {
		if !ch.HasParticipant(userID) {
			ch.Participants = append(ch.Participants, userID)
		}
	})
}

func (s *PebbleStore) ListChannelsForUser(ctx context.Context, q ChannelQuery) ([]*model.Channel, int, error) {
	prefix := []byte(prefixChannel)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, 0, err
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))

	var matched []*model.Channel
	for iter.First(); iter.Valid(); iter.Next() {
		var ch model.Channel
		if err := json.Unmarshal(iter.Value(), &ch); err != nil {
			logger.Warn("pebble_channel_decode_failed", "key", string(iter.Key()), "error", err)
			continue
		}
		if !ch.HasParticipant(q.UserID) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(ch.SubjectName), search) &&
			!strings.Contains(strings.ToLower(ch.SubjectID), search) {
			continue
		}
		matched = append(matched, &ch)
	}
	if err := iter.Close(); err != nil {
		return nil, 0, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Offset >= total {
		return []*model.Channel{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Limit < total-q.Offset {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], total, nil
}

func (s *PebbleStore) SetLastRead(ctx context.Context, channelID string, users []string, at time.Time) error {
	at = model.Timestamp(at)
	return s.updateChannel(channelID, func(ch *model.Channel) {
		for _, u := range users {
			found := false
			for i := range ch.LastRead {
				if ch.LastRead[i].UserID == u {
					found = true
					if at.After(ch.LastRead[i].LastReadAt) {
						ch.LastRead[i].LastReadAt = at
					}
				}
			}
			if !found {
				ch.LastRead = append(ch.LastRead, model.LastRead{UserID: u, LastReadAt: at})
			}
		}
	})
}

func (s *PebbleStore) DeleteChannels(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		unlock := s.lockChannel(id)
		ch, err := s.channel(id)
		if errors.Is(err, ErrNotFound) {
			unlock()
			continue
		}
		if err != nil {
			unlock()
			return deleted, err
		}
		b := s.db.NewBatch()
		_ = b.Delete(channelKey(id), nil)
		_ = b.Delete(subjectKey(ch.SubjectID, ch.Kind), nil)
		err = b.Commit(pebble.Sync)
		b.Close()
		unlock()
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *PebbleStore) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.lockChannel(msg.ChannelID)
	defer unlock()

	ch, err := s.channel(msg.ChannelID)
	if err != nil {
		return nil, err
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	ts := model.Timestamp(time.Now())
	if !ts.After(ch.UpdatedAt) {
		ts = ch.UpdatedAt.Add(time.Microsecond)
	}
	stored.CreatedAt = ts
	if stored.ReadBy == nil {
		stored.ReadBy = []model.ReadReceipt{}
	}

	key := messageKey(stored.ChannelID, ts, stored.ID)
	ch.LastMessageID = stored.ID
	ch.UpdatedAt = ts

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, &stored); err != nil {
		return nil, err
	}
	if err := b.Set(messageIndexKey(stored.ID), key, nil); err != nil {
		return nil, err
	}
	if err := setJSON(b, channelKey(ch.ID), ch); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *PebbleStore) messageKeyFor(id string) ([]byte, error) {
	val, closer, err := s.db.Get(messageIndexKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) MessageByID(ctx context.Context, id string) (*model.Message, error) {
	key, err := s.messageKeyFor(id)
	if err != nil {
		return nil, err
	}
	var msg model.Message
	if err := s.getJSON(key, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *PebbleStore) MessagesBefore(ctx context.Context, channelID string, before time.Time, limit int) ([]*model.Message, error) {
	prefix := messagePrefix(channelID)
	upper := prefixEnd(prefix)
	if !before.IsZero() {
		upper = append(append([]byte(nil), prefix...), microsKey(model.Timestamp(before))...)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*model.Message
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var msg model.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		out = append(out, &msg)
	}
	return out, iter.Error()
}

// updateMessage applies fn to a stored message under its channel lock
func (s *PebbleStore) updateMessage(id string, fn func(msg *model.Message)) (*model.Message, error) {
	current, err := s.MessageByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	unlock := s.lockChannel(current.ChannelID)
	defer unlock()

	key, err := s.messageKeyFor(id)
	if err != nil {
		return nil, err
	}
	var msg model.Message
	if err := s.getJSON(key, &msg); err != nil {
		return nil, err
	}
	fn(&msg)

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, &msg); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *PebbleStore) EditMessage(ctx context.Context, id, body string, at time.Time) (*model.Message, error) {
	at = model.Timestamp(at)
	return s.updateMessage(id, func(msg *model.Message) {
		msg.Body = &body
		msg.Edited = true
		msg.UpdatedAt = &at
	})
}

func (s *PebbleStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*model.Message, error) {
	at = model.Timestamp(at)
	return s.updateMessage(id, func(msg *model.Message) {
		msg.Deleted = true
		msg.UpdatedAt = &at
	})
}

func (s *PebbleStore) UpsertReceipts(ctx context.Context, channelID string, users, messageIDs []string, at time.Time) error {
	if len(users) == 0 {
		return nil
	}
	at = model.Timestamp(at)
	unlock := s.lockChannel(channelID)
	defer unlock()

	var only map[string]struct{}
	if len(messageIDs) > 0 {
		only = make(map[string]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			only[id] = struct{}{}
		}
	}

	prefix := messagePrefix(channelID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var msg model.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			iter.Close()
			return fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		if only != nil {
			if _, ok := only[msg.ID]; !ok {
				continue
			}
		}
		changed := false
		for _, u := range users {
			if msg.UpsertReceipt(u, at) {
				changed = true
			}
		}
		if changed {
			if err := setJSON(b, bytes.Clone(iter.Key()), &msg); err != nil {
				iter.Close()
				return err
			}
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) CountUnread(ctx context.Context, channelID, userID string) (int, error) {
	prefix := messagePrefix(channelID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var msg model.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return 0, fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		if !msg.Deleted && !msg.IsReadBy(userID) {
			count++
		}
	}
	return count, iter.Error()
}

func (s *PebbleStore) DeleteMessagesForChannels(ctx context.Context, channelIDs []string) (int, error) {
	deleted := 0
	for _, channelID := range channelIDs {
		n, err := s.deleteMessagesForChannel(channelID)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (s *PebbleStore) deleteMessagesForChannel(channelID string) (int, error) {
	unlock := s.lockChannel(channelID)
	defer unlock()

	prefix := messagePrefix(channelID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	b := s.db.NewBatch()
	defer b.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		id := key[bytes.LastIndexByte(key, '/')+1:]
		_ = b.Delete(messageIndexKey(string(id)), nil)
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	_ = b.DeleteRange(prefix, prefixEnd(prefix), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return n, nil
}
