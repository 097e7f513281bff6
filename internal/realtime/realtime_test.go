package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enquirychat/internal/chat"
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

type pushQueue struct{ jobs chan push.Job }

func (q *pushQueue) Submit(job push.Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

type testServer struct {
	svc    *chat.Service
	hub    *Hub
	pushes *pushQueue
	url    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.OpenPebbleInMemory()
	require.NoError(t, err)

	pres := presence.New()
	hub := NewHub(pres)
	reads := readstate.New(s, s)
	ids := identity.NewMemory()
	q := &pushQueue{jobs: make(chan push.Job, 16)}
	l := ledger.New(s, 20, 100)
	svc := chat.NewService(chat.Deps{
		Directory: directory.New(s, l, 10, 50),
		Ledger:    l,
		Reads:     reads,
		Presence:  pres,
		Fanout:    fanout.New(hub, pres, reads, q, ids),
		Identity:  ids,
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConnection(r.URL.Query().Get("user"), ws)
		NewSession(conn, hub, svc, 100, 100).Run(context.Background(), r.URL.Query().Get("name"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		s.Close()
	})

	return &testServer{
		svc:    svc,
		hub:    hub,
		pushes: q,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (ts *testServer) dial(t *testing.T, user, name string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(ts.url+"?user="+user+"&name="+name, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(model.Envelope{Type: typ, Data: raw}))
}

// await reads frames until one of type typ arrives
func await(t *testing.T, ws *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env model.Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", typ)
		if env.Type == typ {
			return env.Data
		}
	}
}

// flush round-trips an unknown event so everything sent before it has been handled
func flush(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(model.Envelope{Type: "ping"}))
	data := await(t, ws, model.EventError)
	var ev model.ErrorEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, "unknown event ping", ev.Message)
}

// drain round-trips like flush and returns the types of the frames that
// arrived before the reply
func drain(t *testing.T, ws *websocket.Conn) []string {
	t.Helper()
	require.NoError(t, ws.WriteJSON(model.Envelope{Type: "ping"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var types []string
	for {
		var env model.Envelope
		require.NoError(t, ws.ReadJSON(&env))
		if env.Type == model.EventError {
			var ev model.ErrorEvent
			require.NoError(t, json.Unmarshal(env.Data, &ev))
			if ev.Message == "unknown event ping" {
				return types
			}
		}
		types = append(types, env.Type)
	}
}

func TestSession_MessageReachesJoinedViewer(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ch, _, err := ts.svc.EnsureChannel(ctx, "ENQ-1", "ENQ-1", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	admin := ts.dial(t, "admin1", "Admin")
	client := ts.dial(t, "client1", "Client")

	emit(t, client, model.EventJoinChat, model.JoinChatRequest{ChatID: ch.ID, UserID: "client1"})
	await(t, client, model.EventMessagesRead)
	flush(t, admin)

	body := "Hello"
	emit(t, admin, model.EventSendMessage, model.SendMessageRequest{ChatID: ch.ID, Message: &body, MessageType: "text"})

	var msg model.Message
	require.NoError(t, json.Unmarshal(await(t, client, model.EventNewMessage), &msg))
	assert.Equal(t, "admin1", msg.SenderID)
	require.NotNil(t, msg.Body)
	assert.Equal(t, "Hello", *msg.Body)

	var read model.MessagesRead
	require.NoError(t, json.Unmarshal(await(t, client, model.EventMessagesRead), &read))
	assert.Equal(t, ch.ID, read.ChatID)
	assert.Equal(t, []string{"client1"}, read.UserIDs)

	// both were online, nobody needs a push
	assert.Empty(t, ts.pushes.jobs)
}

func TestSession_PersonalRoomGetsOtherChats(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ch, _, err := ts.svc.EnsureChannel(ctx, "ENQ-2", "ENQ-2", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	admin := ts.dial(t, "admin1", "Admin")
	client := ts.dial(t, "client1", "")

	emit(t, client, model.EventJoinNotificationRoom, model.NotificationRoomRequest{UserID: "client1"})
	flush(t, client)
	flush(t, admin)

	body := "Are you there?"
	emit(t, admin, model.EventSendMessage, model.SendMessageRequest{ChatID: ch.ID, Message: &body, MessageType: "text"})

	var msg model.Message
	require.NoError(t, json.Unmarshal(await(t, client, model.EventNewMessage), &msg))
	assert.Equal(t, ch.ID, msg.ChannelID)
	assert.Empty(t, ts.pushes.jobs)
}

func TestSession_OfflineParticipantIsPushed(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ch, _, err := ts.svc.EnsureChannel(ctx, "ENQ-3", "ENQ-3", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	admin := ts.dial(t, "admin1", "Admin")
	flush(t, admin)

	body := "Your enquiry was answered"
	emit(t, admin, model.EventSendMessage, model.SendMessageRequest{ChatID: ch.ID, Message: &body, MessageType: "text"})

	select {
	case job := <-ts.pushes.jobs:
		assert.Equal(t, []string{"client1"}, job.Users)
		assert.Equal(t, "New message from Admin", job.Notification.Title)
		assert.Equal(t, body, job.Notification.Body)
	case <-time.After(3 * time.Second):
		t.Fatal("no push queued")
	}
}

func TestSession_RejectsForeignUserID(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ch, _, err := ts.svc.EnsureChannel(ctx, "ENQ-4", "ENQ-4", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	client := ts.dial(t, "client1", "")
	emit(t, client, model.EventJoinChat, model.JoinChatRequest{ChatID: ch.ID, UserID: "admin1"})

	var ev model.ErrorEvent
	require.NoError(t, json.Unmarshal(await(t, client, model.EventError), &ev))
	assert.Equal(t, string(errUserMismatch), ev.Message)
}

func TestSession_NonParticipantCannotJoin(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ch, _, err := ts.svc.EnsureChannel(ctx, "ENQ-5", "ENQ-5", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	stranger := ts.dial(t, "client2", "")
	emit(t, stranger, model.EventJoinChat, model.JoinChatRequest{ChatID: ch.ID})

	var ev model.ErrorEvent
	require.NoError(t, json.Unmarshal(await(t, stranger, model.EventError), &ev))
	assert.Contains(t, ev.Message, "forbidden")

	emit(t, stranger, model.EventJoinChat, model.JoinChatRequest{ChatID: "missing"})
	require.NoError(t, json.Unmarshal(await(t, stranger, model.EventError), &ev))
	assert.Equal(t, "chat or message not found", ev.Message)
}

func TestSession_MalformedFrame(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, "client1", "")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var ev model.ErrorEvent
	require.NoError(t, json.Unmarshal(await(t, ws, model.EventError), &ev))
	assert.Equal(t, "malformed event", ev.Message)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","data":"oops"}`)))
	require.NoError(t, json.Unmarshal(await(t, ws, model.EventError), &ev))
	assert.Equal(t, "malformed typing payload", ev.Message)
}

func TestSession_RemovedParticipantStopsReceiving(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ch, _, err := ts.svc.EnsureChannel(ctx, "ENQ-6", "ENQ-6", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	admin := ts.dial(t, "admin1", "Admin")
	client := ts.dial(t, "client1", "")

	emit(t, admin, model.EventJoinChat, model.JoinChatRequest{ChatID: ch.ID})
	await(t, admin, model.EventMessagesRead)
	emit(t, client, model.EventJoinChat, model.JoinChatRequest{ChatID: ch.ID})
	await(t, client, model.EventMessagesRead)
	flush(t, admin)

	_, err = ts.svc.SetParticipants(ctx, "ENQ-6", model.StaffClient, []string{"admin1", "client2"})
	require.NoError(t, err)

	body := "confidential for client2"
	emit(t, admin, model.EventSendMessage, model.SendMessageRequest{ChatID: ch.ID, Message: &body})
	await(t, admin, model.EventNewMessage)

	assert.NotContains(t, drain(t, client), model.EventNewMessage)

	// a reassigned client cannot rejoin either
	emit(t, client, model.EventJoinChat, model.JoinChatRequest{ChatID: ch.ID})
	var ev model.ErrorEvent
	require.NoError(t, json.Unmarshal(await(t, client, model.EventError), &ev))
	assert.Contains(t, ev.Message, "forbidden")
}

func TestHub_ToChannelSkipsNonParticipants(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ch, _, err := ts.svc.EnsureChannel(ctx, "ENQ-7", "ENQ-7", model.StaffClient, []string{"admin1", "client1"})
	require.NoError(t, err)

	admin := ts.dial(t, "admin1", "")
	client := ts.dial(t, "client1", "")
	for _, ws := range []*websocket.Conn{admin, client} {
		emit(t, ws, model.EventJoinChat, model.JoinChatRequest{ChatID: ch.ID})
	}
	await(t, client, model.EventMessagesRead)
	flush(t, client)
	flush(t, admin)

	// the stored channel still lists client1; the delivery view does not
	narrowed := *ch
	narrowed.Participants = []string{"admin1"}
	ts.hub.ToChannel(&narrowed, model.Event{Type: model.EventUserTyping, Data: model.UserTyping{ChatID: ch.ID, UserID: "admin1", IsTyping: true}})

	assert.Contains(t, drain(t, admin), model.EventUserTyping)
	assert.NotContains(t, drain(t, client), model.EventUserTyping)
}

func TestHub_RemoveClearsPersonalRooms(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, "client1", "")
	emit(t, ws, model.EventJoinNotificationRoom, model.NotificationRoomRequest{})
	flush(t, ws)
	require.Equal(t, 1, ts.hub.Count())

	ws.Close()
	require.Eventually(t, func() bool { return ts.hub.Count() == 0 }, 3*time.Second, 10*time.Millisecond)

	ts.hub.mu.RLock()
	defer ts.hub.mu.RUnlock()
	assert.Empty(t, ts.hub.personal)
	assert.Empty(t, ts.hub.joined)
}

func TestClientMessage(t *testing.T) {
	assert.Equal(t, "internal error", clientMessage(assert.AnError))
	assert.Equal(t, "rate limit exceeded", clientMessage(clientError("rate limit exceeded")))
	assert.Equal(t, "request timed out", clientMessage(context.DeadlineExceeded))
}
