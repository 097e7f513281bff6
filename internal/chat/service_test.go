package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enquirychat/internal/directory"
	"enquirychat/internal/fanout"
	"enquirychat/internal/identity"
	"enquirychat/internal/ledger"
	"enquirychat/internal/model"
	"enquirychat/internal/presence"
	"enquirychat/internal/push"
	"enquirychat/internal/readstate"
	"enquirychat/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
	users  []string
}

func (r *recorder) ToChannel(ch *model.Channel, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.users = append(r.users, "")
}

func (r *recorder) ToUser(userID string, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.users = append(r.users, userID)
}

// personalReads returns messagesRead events sent to userID's personal room
func (r *recorder) personalReads(userID string) []model.MessagesRead {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.MessagesRead
	for i, ev := range r.events {
		if ev.Type == model.EventMessagesRead && r.users[i] == userID {
			out = append(out, ev.Data.(model.MessagesRead))
		}
	}
	return out
}

type queue struct{ jobs []push.Job }

func (q *queue) Submit(job push.Job) bool {
	q.jobs = append(q.jobs, job)
	return true
}

type fakeResolver struct{}

func (fakeResolver) URL(ctx context.Context, key string) (string, error) {
	return "https://cdn.test/" + key, nil
}

type fixture struct {
	svc   *Service
	hub   *recorder
	queue *queue
	reads *readstate.Engine
	ids   *identity.MemoryDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hub := &recorder{}
	q := &queue{}
	pres := presence.New()
	reads := readstate.New(s, s)
	ids := identity.NewMemory()
	l := ledger.New(s, 20, 100)

	svc := NewService(Deps{
		Directory: directory.New(s, l, 10, 50),
		Ledger:    l,
		Reads:     reads,
		Presence:  pres,
		Fanout:    fanout.New(hub, pres, reads, q, ids),
		Identity:  ids,
		Media:     fakeResolver{},
	})
	return &fixture{svc: svc, hub: hub, queue: q, reads: reads, ids: ids}
}

func hello() *string {
	s := "Hello"
	return &s
}

func TestScenario_SendThenJoinClearsUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, created, err := f.svc.EnsureChannel(ctx, "ENQ-1", "ENQ-1", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)
	require.True(t, created)

	f.svc.Connect(ctx, "conn-admin", "admin1", "Admin One")
	msg, err := f.svc.Send(ctx, "admin1", model.SendMessageRequest{ChatID: ch.ID, Message: hello(), MessageType: "text"})
	require.NoError(t, err)
	assert.Equal(t, "admin1", msg.SenderID)
	assert.Empty(t, msg.ReadBy)

	n, err := f.reads.UnreadCount(ctx, ch.ID, "client1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// client1 was offline when the message arrived
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, []string{"client1"}, f.queue.jobs[0].Users)
	assert.Equal(t, "New message from Admin One", f.queue.jobs[0].Notification.Title)

	f.svc.Connect(ctx, "conn-client", "client1", "")
	_, err = f.svc.Join(ctx, "conn-client", "client1", ch.ID)
	require.NoError(t, err)

	n, err = f.reads.UnreadCount(ctx, ch.ID, "client1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	reads := f.hub.personalReads("client1")
	require.NotEmpty(t, reads)
	last := reads[len(reads)-1]
	require.NotNil(t, last.UnreadCount)
	assert.Equal(t, 0, *last.UnreadCount)
	assert.Equal(t, ch.ID, last.ChatID)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _, err := f.svc.EnsureChannel(ctx, "ENQ-2", "Desk", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	f.svc.Connect(ctx, "conn-x", "stranger", "")
	_, err = f.svc.Join(ctx, "conn-x", "stranger", ch.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Send(ctx, "stranger", model.SendMessageRequest{ChatID: ch.ID, Message: hello()})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ListMessages(ctx, "stranger", ch.ID, nil, 0)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ListMessages(ctx, "admin1", "missing", nil, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Join(ctx, "never-registered", "admin1", ch.ID)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestListChannels_PreviewAndUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ids.SetDisplayName(ctx, "admin1", "Admin One"))

	empty, _, err := f.svc.EnsureChannel(ctx, "ENQ-3", "Chair", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)
	busy, _, err := f.svc.EnsureChannel(ctx, "ENQ-4", "Table", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, "admin1", model.SendMessageRequest{ChatID: busy.ID, Message: hello()})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "admin1", model.SendMessageRequest{
		ChatID: busy.ID, MessageType: "image", MediaKey: "1-a.png", MediaName: "a.png", MediaSize: 10,
	})
	require.NoError(t, err)

	list, err := f.svc.ListChannels(ctx, "client1", 1, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	require.Len(t, list.Data, 2)

	top := list.Data[0]
	assert.Equal(t, busy.ID, top.ID)
	assert.Equal(t, "📷 Photo", top.LastMessage)
	assert.Equal(t, "Admin One", top.LastMessageSenderName)
	assert.Equal(t, 2, top.UnreadCount)

	assert.Equal(t, empty.ID, list.Data[1].ID)
	assert.Equal(t, "(no messages yet)", list.Data[1].LastMessage)
	assert.Equal(t, 0, list.Data[1].UnreadCount)

	require.NoError(t, f.svc.MarkChannelRead(ctx, "client1", busy.ID))
	list, err = f.svc.ListChannels(ctx, "client1", 1, 10, "table")
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, 0, list.Data[0].UnreadCount)
	assert.NotNil(t, list.Data[0].LastReadAt)
}

func TestListMessages_ViewerFlagsAndMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _, err := f.svc.EnsureChannel(ctx, "ENQ-5", "Lamp", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	first, err := f.svc.Send(ctx, "admin1", model.SendMessageRequest{ChatID: ch.ID, Message: hello()})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "admin1", model.SendMessageRequest{ChatID: ch.ID, MessageType: "file", MediaKey: "9-quote.pdf", MediaName: "quote.pdf"})
	require.NoError(t, err)
	gone, err := f.svc.Send(ctx, "client1", model.SendMessageRequest{ChatID: ch.ID, Message: hello(), ParentMessageID: first.ID})
	require.NoError(t, err)
	_, err = f.svc.DeleteMessage(ctx, "client1", ch.ID, gone.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkRead(ctx, "client1", ch.ID, []string{first.ID}))

	page, err := f.svc.ListMessages(ctx, "client1", ch.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Nil(t, page.NextCursor)

	assert.True(t, page.Messages[0].IsRead)
	assert.False(t, page.Messages[1].IsRead)
	require.NotNil(t, page.Messages[1].Attachment)
	assert.Equal(t, "https://cdn.test/9-quote.pdf", page.Messages[1].Attachment.URL)

	deleted := page.Messages[2]
	assert.True(t, deleted.Deleted)
	assert.Nil(t, deleted.Body)
	assert.True(t, deleted.IsRead, "own messages count as read")
	require.NotNil(t, deleted.ReplyTo)
	assert.Equal(t, first.ID, deleted.ReplyTo.ID)
}

func TestEditAndDelete_ScopedToChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _, err := f.svc.EnsureChannel(ctx, "ENQ-6", "A", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)
	b, _, err := f.svc.EnsureChannel(ctx, "ENQ-7", "B", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	msg, err := f.svc.Send(ctx, "admin1", model.SendMessageRequest{ChatID: a.ID, Message: hello()})
	require.NoError(t, err)

	_, err = f.svc.EditMessage(ctx, "admin1", b.ID, msg.ID, "moved?")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.EditMessage(ctx, "client1", a.ID, msg.ID, "mine now")
	assert.ErrorIs(t, err, ErrForbidden)

	edited, err := f.svc.EditMessage(ctx, "admin1", a.ID, msg.ID, "Hello there")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
}

func TestSubjectHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, _, err := f.svc.EnsureChannel(ctx, "ENQ-8", "Shelf", model.StaffFulfiller, []string{"admin1"})
	require.NoError(t, err)

	ch2, err := f.svc.AddParticipant(ctx, "ENQ-8", model.StaffFulfiller, "designer1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin1", "designer1"}, ch2.Participants)

	ch3, err := f.svc.SetParticipants(ctx, "ENQ-8", model.StaffFulfiller, []string{"admin2", "designer2"})
	require.NoError(t, err)
	assert.Equal(t, ch.ID, ch3.ID)
	assert.Equal(t, []string{"admin2", "designer2"}, ch3.Participants)

	_, err = f.svc.Send(ctx, "admin2", model.SendMessageRequest{ChatID: ch.ID, Message: hello()})
	require.NoError(t, err)

	channels, messages, err := f.svc.DeleteSubject(ctx, "ENQ-8")
	require.NoError(t, err)
	assert.Equal(t, 1, channels)
	assert.Equal(t, 1, messages)

	_, _, err = f.svc.DeleteSubject(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSaveDeviceToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.SaveDeviceToken(ctx, "client1", "  "), ErrInvalid)
	require.NoError(t, f.svc.SaveDeviceToken(ctx, "client1", "device-1"))

	tokens, err := f.ids.DeviceTokens(ctx, []string{"client1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"device-1"}, tokens["client1"])
}

func TestLeave_IgnoresOtherChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _, err := f.svc.EnsureChannel(ctx, "ENQ-9", "Bed", model.StaffClient, []string{"admin1"})
	require.NoError(t, err)

	f.svc.Connect(ctx, "c1", "admin1", "")
	m, err := f.svc.Join(ctx, "c1", "admin1", ch.ID)
	require.NoError(t, err)

	assert.False(t, f.svc.Leave("c1", m, "some-other-chat"))
	assert.True(t, f.svc.Leave("c1", m, ch.ID))
	assert.False(t, f.svc.Leave("c1", m, ch.ID))

	f.svc.Disconnect("c1")
	assert.False(t, f.svc.Leave("c1", m, ch.ID))
}

func TestLeave_StaleMembershipKeepsRejoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _, err := f.svc.EnsureChannel(ctx, "ENQ-10", "Desk", model.StaffClient, []string{"admin1"})
	require.NoError(t, err)

	f.svc.Connect(ctx, "c1", "admin1", "")
	first, err := f.svc.Join(ctx, "c1", "admin1", ch.ID)
	require.NoError(t, err)
	second, err := f.svc.Join(ctx, "c1", "admin1", ch.ID)
	require.NoError(t, err)

	assert.False(t, f.svc.Leave("c1", first, ch.ID), "an older join cannot end a newer one")
	assert.True(t, f.svc.Leave("c1", second, ch.ID))
}

func TestSetParticipants_EvictsRemovedViewers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _, err := f.svc.EnsureChannel(ctx, "ENQ-11", "Shelf", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	f.svc.Connect(ctx, "c-client", "client1", "")
	m, err := f.svc.Join(ctx, "c-client", "client1", ch.ID)
	require.NoError(t, err)

	_, err = f.svc.SetParticipants(ctx, "ENQ-11", model.StaffClient, []string{"admin1", "client2"})
	require.NoError(t, err)

	assert.Empty(t, f.svc.presence.ConnectionsIn(ch.ID))
	assert.False(t, f.svc.Leave("c-client", m, ch.ID))
	_, err = f.svc.Join(ctx, "c-client", "client1", ch.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSend_ResolvesMediaURLBeforeFanout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _, err := f.svc.EnsureChannel(ctx, "ENQ-12", "Rug", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	msg, err := f.svc.Send(ctx, "admin1", model.SendMessageRequest{ChatID: ch.ID, MessageType: "image", MediaKey: "7-rug.png", MediaName: "rug.png"})
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "https://cdn.test/7-rug.png", msg.Attachment.URL)

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	var seen int
	for _, ev := range f.hub.events {
		if ev.Type != model.EventNewMessage {
			continue
		}
		seen++
		sent := ev.Data.(*model.Message)
		require.NotNil(t, sent.Attachment)
		assert.Equal(t, "https://cdn.test/7-rug.png", sent.Attachment.URL)
	}
	assert.Positive(t, seen)
}
