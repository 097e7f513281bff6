// Package chat coordinates directory, ledger, read state, presence and
// fanout for the websocket and HTTP surfaces, and owns authorization:
// only participants may read or write a channel.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"enquirychat/internal/directory"
	"enquirychat/internal/fanout"
	"enquirychat/internal/identity"
	"enquirychat/internal/ledger"
	"enquirychat/internal/logger"
	"enquirychat/internal/model"
	"enquirychat/internal/presence"
	"enquirychat/internal/readstate"
	"enquirychat/internal/store"
)

var (
	ErrNotFound  = store.ErrNotFound
	ErrForbidden = model.ErrForbidden
	ErrInvalid   = model.ErrInvalid
)

// URLResolver turns a stored attachment key into a fetchable URL
type URLResolver interface {
	URL(ctx context.Context, key string) (string, error)
}

type Service struct {
	directory *directory.Directory
	ledger    *ledger.Ledger
	reads     *readstate.Engine
	presence  *presence.Registry
	fanout    *fanout.Fanout
	identity  identity.Directory
	media     URLResolver
}

// Deps groups the collaborators of a Service. Media may be nil.
type Deps struct {
	Directory *directory.Directory
	Ledger    *ledger.Ledger
	Reads     *readstate.Engine
	Presence  *presence.Registry
	Fanout    *fanout.Fanout
	Identity  identity.Directory
	Media     URLResolver
}

func NewService(d Deps) *Service {
	return &Service{
		directory: d.Directory,
		ledger:    d.Ledger,
		reads:     d.Reads,
		presence:  d.Presence,
		fanout:    d.Fanout,
		identity:  d.Identity,
		media:     d.Media,
	}
}

// ChannelFor loads a channel and checks userID participates in it
func (s *Service) ChannelFor(ctx context.Context, chatID, userID string) (*model.Channel, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chatId is required", ErrInvalid)
	}
	ch, err := s.directory.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ch.HasParticipant(userID) {
		logger.Warn("chat_access_denied", "user", userID, "channel", chatID)
		return nil, fmt.Errorf("%w: not a participant of this chat", ErrForbidden)
	}
	return ch, nil
}

// Connect registers a live connection for userID
func (s *Service) Connect(ctx context.Context, connID, userID, displayName string) {
	s.presence.Register(connID, userID)
	if displayName == "" {
		return
	}
	if err := s.identity.SetDisplayName(ctx, userID, displayName); err != nil {
		logger.Warn("display_name_save_failed", "user", userID, "error", err)
	}
}

// Disconnect forgets the connection and everything it joined
func (s *Service) Disconnect(connID string) {
	if m, ok := s.presence.Unregister(connID); ok {
		logger.Debug("chat_left_on_disconnect", "conn", connID, "channel", m.Channel)
	}
}

// Join makes the connection a viewer of chatID, which marks everything in
// it read for userID and announces that to the room.
func (s *Service) Join(ctx context.Context, connID, userID, chatID string) (presence.Membership, error) {
	ch, err := s.ChannelFor(ctx, chatID, userID)
	if err != nil {
		return presence.Membership{}, err
	}
	m, _, ok := s.presence.JoinChannel(connID, ch.ID)
	if !ok {
		return presence.Membership{}, fmt.Errorf("%w: connection is not registered", ErrInvalid)
	}
	s.markRead(ctx, ch, userID)
	return m, nil
}

// Leave ends the join m of the connection when m is for chatID. It is a
// no-op when the connection has joined again or been evicted since.
func (s *Service) Leave(connID string, m presence.Membership, chatID string) bool {
	if m.Channel == "" || m.Channel != chatID {
		return false
	}
	return s.presence.LeaveChannel(connID, m)
}

// markRead failures are logged; unread counts are recomputed on demand
func (s *Service) markRead(ctx context.Context, ch *model.Channel, userID string, messageIDs ...string) {
	if err := s.reads.MarkRead(ctx, ch.ID, []string{userID}, messageIDs...); err != nil {
		logger.Error("mark_read_failed", "channel", ch.ID, "user", userID, "error", err)
		return
	}
	if err := s.reads.MarkChannelLastRead(ctx, ch.ID, []string{userID}); err != nil {
		logger.Warn("last_read_update_failed", "channel", ch.ID, "user", userID, "error", err)
	}
	s.fanout.Read(ctx, ch, []string{userID})
}

// Send appends a message from userID and fans it out
func (s *Service) Send(ctx context.Context, userID string, req model.SendMessageRequest) (*model.Message, error) {
	ch, err := s.ChannelFor(ctx, req.ChatID, userID)
	if err != nil {
		return nil, err
	}
	msg, err := s.ledger.Append(ctx, ledger.AppendInput{
		ChannelID:  ch.ID,
		SenderID:   userID,
		ParentID:   req.ParentMessageID,
		Body:       req.Message,
		Kind:       req.MessageType,
		Attachment: req.Attachment(),
	})
	if err != nil {
		return nil, err
	}
	s.present(ctx, msg)
	s.fanout.MessageCreated(ctx, ch, msg)
	return msg, nil
}

// MarkRead records userID's read of chatID, or of messageIDs only
func (s *Service) MarkRead(ctx context.Context, userID, chatID string, messageIDs []string) error {
	ch, err := s.ChannelFor(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if err := s.reads.MarkRead(ctx, ch.ID, []string{userID}, messageIDs...); err != nil {
		return err
	}
	if err := s.reads.MarkChannelLastRead(ctx, ch.ID, []string{userID}); err != nil {
		logger.Warn("last_read_update_failed", "channel", ch.ID, "user", userID, "error", err)
	}
	s.fanout.Read(ctx, ch, []string{userID})
	return nil
}

// MarkChannelRead marks every message in chatID read for userID
func (s *Service) MarkChannelRead(ctx context.Context, userID, chatID string) error {
	return s.MarkRead(ctx, userID, chatID, nil)
}

func (s *Service) Typing(ctx context.Context, userID, chatID string, isTyping bool) error {
	ch, err := s.ChannelFor(ctx, chatID, userID)
	if err != nil {
		return err
	}
	s.fanout.Typing(ch, userID, isTyping)
	return nil
}

// ChannelSummary is one row of the chat list screen
type ChannelSummary struct {
	ID                    string            `json:"id"`
	SubjectID             string            `json:"subjectId"`
	SubjectName           string            `json:"subjectName"`
	Type                  model.ChannelKind `json:"type"`
	Participants          []string          `json:"participants"`
	LastMessage           string            `json:"lastMessage"`
	LastMessageAt         time.Time         `json:"lastMessageAt"`
	LastMessageSender     string            `json:"lastMessageSender,omitempty"`
	LastMessageSenderName string            `json:"lastMessageSenderName,omitempty"`
	LastReadAt            *time.Time        `json:"lastReadAt,omitempty"`
	UnreadCount           int               `json:"unreadCount"`
}

type ChannelList struct {
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	TotalPages int              `json:"totalPages"`
	Data       []ChannelSummary `json:"data"`
}

// ListChannels returns userID's channels with previews and unread counts
func (s *Service) ListChannels(ctx context.Context, userID string, page, limit int, search string) (*ChannelList, error) {
	p, err := s.directory.ListForUser(ctx, userID, page, limit, search)
	if err != nil {
		return nil, err
	}
	out := &ChannelList{
		Total:      p.Total,
		Page:       p.Page,
		Limit:      p.Limit,
		TotalPages: p.TotalPages,
		Data:       make([]ChannelSummary, 0, len(p.Rows)),
	}
	for _, ch := range p.Rows {
		out.Data = append(out.Data, s.summarize(ctx, ch, userID))
	}
	return out, nil
}

func (s *Service) summarize(ctx context.Context, ch *model.Channel, userID string) ChannelSummary {
	row := ChannelSummary{
		ID:            ch.ID,
		SubjectID:     ch.SubjectID,
		SubjectName:   ch.SubjectName,
		Type:          ch.Kind,
		Participants:  ch.Participants,
		LastMessageAt: ch.UpdatedAt,
	}
	if at, ok := ch.LastReadAt(userID); ok {
		row.LastReadAt = &at
	}

	var last *model.Message
	if ch.LastMessageID != "" {
		m, err := s.ledger.Get(ctx, ch.LastMessageID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("last_message_lookup_failed", "channel", ch.ID, "error", err)
		}
		last = m
	}
	row.LastMessage = last.Preview()
	if last != nil {
		row.LastMessageAt = last.CreatedAt
		row.LastMessageSender = last.SenderID
		if name, err := s.identity.DisplayName(ctx, last.SenderID); err == nil {
			row.LastMessageSenderName = name
		}
	}

	n, err := s.reads.UnreadCount(ctx, ch.ID, userID)
	if err != nil {
		logger.Error("unread_count_failed", "channel", ch.ID, "user", userID, "error", err)
	}
	row.UnreadCount = n
	return row
}

// MessageView is a message as seen by one reader
type MessageView struct {
	*model.Message
	IsRead bool `json:"isRead"`
}

type MessagePage struct {
	Messages   []MessageView `json:"messages"`
	NextCursor *time.Time    `json:"nextCursor"`
}

// ListMessages returns a page of chatID's history, oldest first
func (s *Service) ListMessages(ctx context.Context, userID, chatID string, before *time.Time, limit int) (*MessagePage, error) {
	ch, err := s.ChannelFor(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	p, err := s.ledger.PageBefore(ctx, ch.ID, before, limit)
	if err != nil {
		return nil, err
	}
	out := &MessagePage{Messages: make([]MessageView, 0, len(p.Messages)), NextCursor: p.NextCursor}
	for _, m := range p.Messages {
		s.present(ctx, m)
		out.Messages = append(out.Messages, MessageView{Message: m, IsRead: m.IsReadBy(userID)})
	}
	return out, nil
}

// present hides deleted content and resolves attachment URLs. The media
// block is dropped when no URL can be produced.
func (s *Service) present(ctx context.Context, m *model.Message) {
	if m.Deleted {
		m.Body = nil
		m.Attachment = nil
		return
	}
	a := m.Attachment
	if a == nil {
		return
	}
	if a.URL == "" && a.Key != "" && s.media != nil {
		url, err := s.media.URL(ctx, a.Key)
		if err != nil {
			logger.Warn("media_url_failed", "message", m.ID, "key", a.Key, "error", err)
		}
		a.URL = url
	}
	if a.URL == "" {
		m.Attachment = nil
	}
}

func (s *Service) messageIn(ctx context.Context, ch *model.Channel, messageID string) error {
	msg, err := s.ledger.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ChannelID != ch.ID {
		return ErrNotFound
	}
	return nil
}

// EditMessage changes the body of userID's own message
func (s *Service) EditMessage(ctx context.Context, userID, chatID, messageID, body string) (*model.Message, error) {
	ch, err := s.ChannelFor(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.messageIn(ctx, ch, messageID); err != nil {
		return nil, err
	}
	msg, err := s.ledger.Edit(ctx, messageID, userID, body)
	if err != nil {
		return nil, err
	}
	s.present(ctx, msg)
	s.fanout.MessageChanged(ch, msg)
	return msg, nil
}

// DeleteMessage soft deletes userID's own message
func (s *Service) DeleteMessage(ctx context.Context, userID, chatID, messageID string) (*model.Message, error) {
	ch, err := s.ChannelFor(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.messageIn(ctx, ch, messageID); err != nil {
		return nil, err
	}
	msg, err := s.ledger.SoftDelete(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	s.fanout.MessageChanged(ch, msg)
	return msg, nil
}

// SaveDeviceToken registers a push token for userID
func (s *Service) SaveDeviceToken(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalid)
	}
	return s.identity.SaveToken(ctx, userID, token)
}

// EnsureChannel creates the channel for (subjectID, kind) if absent
func (s *Service) EnsureChannel(ctx context.Context, subjectID, subjectName string, kind model.ChannelKind, participants []string) (*model.Channel, bool, error) {
	return s.directory.Create(ctx, directory.CreateInput{
		SubjectID:    subjectID,
		SubjectName:  subjectName,
		Kind:         kind,
		Participants: participants,
	})
}

// SetParticipants replaces the participants, e.g. on client reassignment
func (s *Service) SetParticipants(ctx context.Context, subjectID string, kind model.ChannelKind, participants []string) (*model.Channel, error) {
	if err := s.directory.ReplaceParticipants(ctx, subjectID, kind, participants); err != nil {
		return nil, err
	}
	ch, err := s.directory.Find(ctx, subjectID, kind)
	if err != nil {
		return nil, err
	}
	s.evictOutsiders(ch)
	return ch, nil
}

// evictOutsiders drops connections of users no longer in ch from its room
func (s *Service) evictOutsiders(ch *model.Channel) {
	for _, connID := range s.presence.ConnectionsIn(ch.ID) {
		user, ok := s.presence.User(connID)
		if !ok || ch.HasParticipant(user) {
			continue
		}
		m, ok := s.presence.Channel(connID)
		if ok && m.Channel == ch.ID && s.presence.LeaveChannel(connID, m) {
			logger.Info("chat_viewer_evicted", "conn", connID, "user", user, "channel", ch.ID)
		}
	}
}

// AddParticipant adds userID to the channel unless already present
func (s *Service) AddParticipant(ctx context.Context, subjectID string, kind model.ChannelKind, userID string) (*model.Channel, error) {
	if err := s.directory.AddParticipantIfAbsent(ctx, subjectID, kind, userID); err != nil {
		return nil, err
	}
	return s.directory.Find(ctx, subjectID, kind)
}

// DeleteSubject removes all channels and messages of a subject
func (s *Service) DeleteSubject(ctx context.Context, subjectID string) (channels, messages int, err error) {
	if strings.TrimSpace(subjectID) == "" {
		return 0, 0, fmt.Errorf("%w: subject is required", ErrInvalid)
	}
	return s.directory.DeleteSubject(ctx, subjectID)
}
