// Package fanout delivers message and read events to every destination:
// the channel room, each participant's personal room, and push for
// participants with no live connection.
package fanout

import (
	"context"
	"unicode/utf8"

	"enquirychat/internal/logger"
	"enquirychat/internal/model"
	"enquirychat/internal/push"
)

// Broadcaster queues events to live connections. ToChannel reaches only
// viewers of ch that are among its participants.
type Broadcaster interface {
	ToChannel(ch *model.Channel, ev model.Event)
	ToUser(userID string, ev model.Event)
}

type Presence interface {
	ViewersOf(channelID string) []string
	Online(users []string) []string
}

type ReadState interface {
	MarkRead(ctx context.Context, channelID string, users []string, messageIDs ...string) error
	MarkChannelLastRead(ctx context.Context, channelID string, users []string) error
	UnreadCount(ctx context.Context, channelID, userID string) (int, error)
}

type PushQueue interface {
	Submit(job push.Job) bool
}

type Names interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

const pushBodyLimit = 120

type Fanout struct {
	hub      Broadcaster
	presence Presence
	reads    ReadState
	push     PushQueue
	names    Names
}

func New(hub Broadcaster, presence Presence, reads ReadState, pushes PushQueue, names Names) *Fanout {
	return &Fanout{hub: hub, presence: presence, reads: reads, push: pushes, names: names}
}

// MessageCreated runs after msg was appended to ch. Nothing here fails the
// send: every step is isolated and errors are logged.
func (f *Fanout) MessageCreated(ctx context.Context, ch *model.Channel, msg *model.Message) {
	ev := model.Event{Type: model.EventNewMessage, Data: msg}

	f.hub.ToChannel(ch, ev)
	for _, p := range ch.Participants {
		f.hub.ToUser(p, ev)
	}

	// viewers of the room have seen the message as it arrived
	var readers []string
	for _, v := range f.presence.ViewersOf(ch.ID) {
		if v != msg.SenderID && ch.HasParticipant(v) {
			readers = append(readers, v)
		}
	}
	if len(readers) > 0 {
		if err := f.reads.MarkRead(ctx, ch.ID, readers); err != nil {
			logger.Error("auto_mark_read_failed", "channel", ch.ID, "readers", readers, "error", err)
		} else {
			if err := f.reads.MarkChannelLastRead(ctx, ch.ID, readers); err != nil {
				logger.Warn("last_read_update_failed", "channel", ch.ID, "error", err)
			}
			f.Read(ctx, ch, readers)
		}
	}

	others := ch.Others(msg.SenderID)
	online := make(map[string]struct{}, len(others))
	for _, u := range f.presence.Online(others) {
		online[u] = struct{}{}
	}
	var offline []string
	for _, u := range others {
		if _, ok := online[u]; !ok {
			offline = append(offline, u)
		}
	}
	if len(offline) == 0 {
		return
	}
	if !f.push.Submit(push.Job{Users: offline, Notification: f.notification(ctx, ch, msg)}) {
		logger.Warn("push_not_queued", "channel", ch.ID, "message", msg.ID, "users", offline)
	}
}

func (f *Fanout) notification(ctx context.Context, ch *model.Channel, msg *model.Message) push.Notification {
	title := "New message"
	if name, err := f.names.DisplayName(ctx, msg.SenderID); err != nil {
		logger.Warn("display_name_lookup_failed", "user", msg.SenderID, "error", err)
	} else if name != "" {
		title = "New message from " + name
	}
	return push.Notification{
		Title: title,
		Body:  truncate(msg.Preview(), pushBodyLimit),
		Data: map[string]string{
			"type":      string(model.NotifyNewMessage),
			"chatId":    ch.ID,
			"messageId": msg.ID,
			"subjectId": ch.SubjectID,
		},
		AndroidChannel: push.AndroidChannelFor(model.NotifyNewMessage),
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Read announces that readers caught up on ch: one event to the room
// listing them, and one to each reader's personal room with their unread count.
func (f *Fanout) Read(ctx context.Context, ch *model.Channel, readers []string) {
	if len(readers) == 0 {
		return
	}
	f.hub.ToChannel(ch, model.Event{
		Type: model.EventMessagesRead,
		Data: model.MessagesRead{ChatID: ch.ID, UserIDs: readers},
	})
	for _, r := range readers {
		n, err := f.reads.UnreadCount(ctx, ch.ID, r)
		if err != nil {
			logger.Error("unread_count_failed", "channel", ch.ID, "user", r, "error", err)
			continue
		}
		f.hub.ToUser(r, model.Event{
			Type: model.EventMessagesRead,
			Data: model.MessagesRead{ChatID: ch.ID, UserID: r, UnreadCount: &n},
		})
	}
}

// MessageChanged announces an edit or a soft delete
func (f *Fanout) MessageChanged(ch *model.Channel, msg *model.Message) {
	ev := model.Event{Type: model.EventMessageUpdated, Data: msg}
	if msg.Deleted {
		deletedAt := msg.CreatedAt
		if msg.UpdatedAt != nil {
			deletedAt = *msg.UpdatedAt
		}
		ev = model.Event{
			Type: model.EventMessageDeleted,
			Data: model.MessageDeleted{ChatID: ch.ID, ID: msg.ID, DeletedAt: deletedAt},
		}
	}
	f.hub.ToChannel(ch, ev)
	for _, p := range ch.Participants {
		f.hub.ToUser(p, ev)
	}
}

// Typing relays a typing indicator to the other viewers of the room
func (f *Fanout) Typing(ch *model.Channel, userID string, isTyping bool) {
	f.hub.ToChannel(ch, model.Event{
		Type: model.EventUserTyping,
		Data: model.UserTyping{ChatID: ch.ID, UserID: userID, IsTyping: isTyping},
	})
}
