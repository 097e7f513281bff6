package fanout

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enquirychat/internal/identity"
	"enquirychat/internal/model"
	"enquirychat/internal/presence"
	"enquirychat/internal/push"
	"enquirychat/internal/readstate"
	"enquirychat/internal/store"
)

type sent struct {
	channel string
	user    string
	ev      model.Event
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) ToChannel(ch *model.Channel, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{channel: ch.ID, ev: ev})
}

func (r *recorder) ToUser(userID string, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{user: userID, ev: ev})
}

func (r *recorder) ofType(typ string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.events {
		if s.ev.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

type queue struct {
	jobs []push.Job
	full bool
}

func (q *queue) Submit(job push.Job) bool {
	if q.full {
		return false
	}
	q.jobs = append(q.jobs, job)
	return true
}

type fixture struct {
	fanout   *Fanout
	hub      *recorder
	queue    *queue
	presence *presence.Registry
	reads    *readstate.Engine
	store    store.Store
	channel  *model.Channel
}

func newFixture(t *testing.T, participants ...string) *fixture {
	t.Helper()
	s, err := store.OpenPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ch, _, err := s.CreateChannel(context.Background(), &model.Channel{SubjectID: "ENQ-9", Kind: model.StaffClient, Participants: participants})
	require.NoError(t, err)

	names := identity.NewMemory()
	require.NoError(t, names.SetDisplayName(context.Background(), "A", "Alex"))

	f := &fixture{
		hub:      &recorder{},
		queue:    &queue{},
		presence: presence.New(),
		reads:    readstate.New(s, s),
		store:    s,
		channel:  ch,
	}
	f.fanout = New(f.hub, f.presence, f.reads, f.queue, names)
	return f
}

func (f *fixture) send(t *testing.T, sender, body string) *model.Message {
	t.Helper()
	msg, err := f.store.AppendMessage(context.Background(), &model.Message{ChannelID: f.channel.ID, SenderID: sender, Body: &body, Kind: model.KindText})
	require.NoError(t, err)
	return msg
}

func TestMessageCreated_LiveAbsentSplit(t *testing.T) {
	f := newFixture(t, "A", "B", "C", "D")
	ctx := context.Background()

	f.presence.Register("conn-a", "A")
	f.presence.JoinChannel("conn-a", f.channel.ID)
	f.presence.Register("conn-b", "B")
	f.presence.JoinChannel("conn-b", f.channel.ID)
	// D is online on the list screen only
	f.presence.Register("conn-d", "D")

	msg := f.send(t, "A", "Hello")
	f.fanout.MessageCreated(ctx, f.channel, msg)

	news := f.hub.ofType(model.EventNewMessage)
	var rooms, users []string
	for _, s := range news {
		if s.channel != "" {
			rooms = append(rooms, s.channel)
		} else {
			users = append(users, s.user)
		}
	}
	assert.Equal(t, []string{f.channel.ID}, rooms)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, users)

	// only the joined viewer is auto-marked read
	for user, want := range map[string]int{"B": 0, "C": 1, "D": 1} {
		n, err := f.reads.UnreadCount(ctx, f.channel.ID, user)
		require.NoError(t, err)
		assert.Equal(t, want, n, user)
	}

	reads := f.hub.ofType(model.EventMessagesRead)
	require.Len(t, reads, 2)
	assert.Equal(t, f.channel.ID, reads[0].channel)
	assert.Equal(t, []string{"B"}, reads[0].ev.Data.(model.MessagesRead).UserIDs)
	assert.Equal(t, "B", reads[1].user)
	personal := reads[1].ev.Data.(model.MessagesRead)
	require.NotNil(t, personal.UnreadCount)
	assert.Equal(t, 0, *personal.UnreadCount)

	// C is the only one without a live connection
	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, []string{"C"}, job.Users)
	assert.Equal(t, "New message from Alex", job.Notification.Title)
	assert.Equal(t, "Hello", job.Notification.Body)
	assert.Equal(t, push.AndroidMessageChannel, job.Notification.AndroidChannel)
	assert.Equal(t, msg.ID, job.Notification.Data["messageId"])
}

func TestMessageCreated_EveryoneOnline(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.presence.Register("conn-b", "B")

	msg := f.send(t, "A", "ping")
	f.fanout.MessageCreated(context.Background(), f.channel, msg)

	assert.Empty(t, f.queue.jobs)
	assert.Empty(t, f.hub.ofType(model.EventMessagesRead))
}

func TestMessageCreated_FullPushQueueDoesNotFailDelivery(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.queue.full = true

	msg := f.send(t, "A", "ping")
	f.fanout.MessageCreated(context.Background(), f.channel, msg)

	assert.Len(t, f.hub.ofType(model.EventNewMessage), 3)
}

func TestMessageChanged(t *testing.T) {
	f := newFixture(t, "A", "B")
	ctx := context.Background()
	msg := f.send(t, "A", "typo")

	deleted, err := f.store.SoftDeleteMessage(ctx, msg.ID, msg.CreatedAt)
	require.NoError(t, err)
	f.fanout.MessageChanged(f.channel, deleted)

	events := f.hub.ofType(model.EventMessageDeleted)
	require.Len(t, events, 3)
	payload := events[0].ev.Data.(model.MessageDeleted)
	assert.Equal(t, msg.ID, payload.ID)
	assert.Equal(t, f.channel.ID, payload.ChatID)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "📷📷…", truncate("📷📷📷📷", 3))
}
