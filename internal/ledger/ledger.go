// Package ledger is the append-only, time-ordered message log of each channel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"enquirychat/internal/logger"
	"enquirychat/internal/metrics"
	"enquirychat/internal/model"
	"enquirychat/internal/store"
)

// AppendInput is a message as submitted by its sender
type AppendInput struct {
	ChannelID  string
	SenderID   string
	ParentID   string
	Body       *string
	Kind       string
	Attachment *model.Attachment
}

// Page is a chronologically ordered slice of a channel's history.
// NextCursor is the timestamp to pass as before for the next older page,
// nil when the history is exhausted.
type Page struct {
	Messages   []*model.Message
	NextCursor *time.Time
}

type Ledger struct {
	store       store.MessageStore
	pageDefault int
	pageMax     int
}

func New(s store.MessageStore, pageDefault, pageMax int) *Ledger {
	if pageDefault <= 0 {
		pageDefault = 20
	}
	if pageMax < pageDefault {
		pageMax = pageDefault
	}
	return &Ledger{store: s, pageDefault: pageDefault, pageMax: pageMax}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalid, fmt.Sprintf(format, args...))
}

// Append validates and stores a message. The store assigns the timestamp
// and moves the channel's latest-message pointer.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*model.Message, error) {
	if in.ChannelID == "" || in.SenderID == "" {
		return nil, invalid("chat and sender are required")
	}
	kind, err := model.ParseMessageKind(in.Kind)
	if err != nil {
		return nil, invalid("%v", err)
	}

	var body *string
	if in.Body != nil && strings.TrimSpace(*in.Body) != "" {
		b := *in.Body
		body = &b
	}
	attachment := in.Attachment
	if attachment.Empty() {
		attachment = nil
	}
	if body == nil && attachment == nil {
		return nil, invalid("message or media is required")
	}
	if kind == model.KindText && body == nil {
		return nil, invalid("text message requires a body")
	}

	if in.ParentID != "" {
		parent, err := l.store.MessageByID(ctx, in.ParentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("parent message %s not found", in.ParentID)
		}
		if err != nil {
			return nil, fmt.Errorf("load parent: %w", err)
		}
		if parent.ChannelID != in.ChannelID {
			return nil, invalid("parent message belongs to another chat")
		}
	}

	msg, err := l.store.AppendMessage(ctx, &model.Message{
		ChannelID:  in.ChannelID,
		SenderID:   in.SenderID,
		ParentID:   in.ParentID,
		Body:       body,
		Kind:       kind,
		Attachment: attachment,
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesAppended.Inc()
	logger.Debug("message_appended", "channel", msg.ChannelID, "message", msg.ID, "sender", msg.SenderID, "kind", msg.Kind)
	return msg, nil
}

// ClampLimit applies the default page size and the hard maximum
func (l *Ledger) ClampLimit(limit int) int {
	if limit <= 0 {
		return l.pageDefault
	}
	if limit > l.pageMax {
		return l.pageMax
	}
	return limit
}

// PageBefore returns up to limit messages strictly older than before (or
// the newest when before is nil), oldest first, with reply parents resolved.
func (l *Ledger) PageBefore(ctx context.Context, channelID string, before *time.Time, limit int) (*Page, error) {
	limit = l.ClampLimit(limit)
	var cursor time.Time
	if before != nil {
		cursor = *before
	}

	msgs, err := l.store.MessagesBefore(ctx, channelID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if err := l.resolveParents(ctx, msgs); err != nil {
		return nil, err
	}

	// fetched newest first; callers render chronologically
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	page := &Page{Messages: msgs}
	if len(msgs) == limit {
		oldest := msgs[0].CreatedAt
		page.NextCursor = &oldest
	}
	if page.Messages == nil {
		page.Messages = []*model.Message{}
	}
	return page, nil
}

func (l *Ledger) resolveParents(ctx context.Context, msgs []*model.Message) error {
	byID := make(map[string]*model.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	for _, m := range msgs {
		if m.ParentID == "" {
			continue
		}
		parent, ok := byID[m.ParentID]
		if !ok {
			p, err := l.store.MessageByID(ctx, m.ParentID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load parent %s: %w", m.ParentID, err)
			}
			byID[p.ID] = p
			parent = p
		}
		preview := &model.ReplyPreview{ID: parent.ID, SenderID: parent.SenderID}
		if !parent.Deleted {
			preview.Body = parent.Body
		}
		m.ReplyTo = preview
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*model.Message, error) {
	return l.store.MessageByID(ctx, id)
}

// Edit replaces the body of a live message. Only the sender may edit.
func (l *Ledger) Edit(ctx context.Context, id, editorID, body string) (*model.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, invalid("message is required")
	}
	msg, err := l.store.MessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != editorID {
		return nil, fmt.Errorf("%w: only the sender can edit a message", model.ErrForbidden)
	}
	if msg.Deleted {
		return nil, invalid("message was deleted")
	}
	return l.store.EditMessage(ctx, id, body, time.Now())
}

// SoftDelete flags a message as deleted. Deleting twice is a no-op.
func (l *Ledger) SoftDelete(ctx context.Context, id, actorID string) (*model.Message, error) {
	msg, err := l.store.MessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actorID {
		return nil, fmt.Errorf("%w: only the sender can delete a message", model.ErrForbidden)
	}
	if msg.Deleted {
		return msg, nil
	}
	return l.store.SoftDeleteMessage(ctx, id, time.Now())
}

func (l *Ledger) DeleteAllForChannel(ctx context.Context, channelID string) (int, error) {
	return l.DeleteAllForChannels(ctx, []string{channelID})
}

func (l *Ledger) DeleteAllForChannels(ctx context.Context, channelIDs []string) (int, error) {
	n, err := l.store.DeleteMessagesForChannels(ctx, channelIDs)
	if err != nil {
		return n, fmt.Errorf("delete messages: %w", err)
	}
	return n, nil
}
