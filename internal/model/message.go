package model

import (
	"fmt"
	"strings"
	"time"
)

// MessageKind is the content type of a chat message
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindFile  MessageKind = "file"
)

// ParseMessageKind returns the kind for s. An empty string means text.
func ParseMessageKind(s string) (MessageKind, error) {
	switch k := MessageKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindText, nil
	case KindText, KindImage, KindVideo, KindFile:
		return k, nil
	default:
		return "", fmt.Errorf("unknown message type %q", s)
	}
}

// Attachment describes media stored by the storage collaborator
type Attachment struct {
	Key  string `json:"key,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Empty reports whether no attachment field is set
func (a *Attachment) Empty() bool {
	return a == nil || (a.Key == "" && a.Name == "" && a.Size == 0 && a.URL == "")
}

// ReadReceipt marks that UserID has seen a message at ReadAt
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message represents a chat message in a channel's ledger
type Message struct {
	ID         string        `json:"id"`
	ChannelID  string        `json:"chatId"`
	SenderID   string        `json:"senderId"`
	ParentID   string        `json:"parentMessageId,omitempty"`
	Body       *string       `json:"message"`
	Kind       MessageKind   `json:"messageType"`
	Attachment *Attachment   `json:"media,omitempty"`
	ReadBy     []ReadReceipt `json:"readBy"`
	CreatedAt  time.Time     `json:"timestamp"`
	Deleted    bool          `json:"deleted,omitempty"`
	Edited     bool          `json:"edited,omitempty"`
	UpdatedAt  *time.Time    `json:"updatedAt,omitempty"`

	// ReplyTo is resolved at read time, never stored
	ReplyTo *ReplyPreview `json:"replyTo,omitempty"`
}

// ReplyPreview is the parent of a reply as shown in a reply bubble
type ReplyPreview struct {
	ID       string  `json:"id"`
	Body     *string `json:"message"`
	SenderID string  `json:"senderId"`
}

// Text returns the body or an empty string
func (m *Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// ReceiptFor returns the receipt of user, if any
func (m *Message) ReceiptFor(userID string) (ReadReceipt, bool) {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return r, true
		}
	}
	return ReadReceipt{}, false
}

// IsReadBy reports whether user has read the message. Senders have
// implicitly read their own messages.
func (m *Message) IsReadBy(userID string) bool {
	if m.SenderID == userID {
		return true
	}
	_, ok := m.ReceiptFor(userID)
	return ok
}

// UpsertReceipt records a read by user at t. An existing entry keeps its
// position and takes the later timestamp. Reads by the sender are ignored.
// It returns true when the receipt list changed.
func (m *Message) UpsertReceipt(userID string, t time.Time) bool {
	if userID == "" || userID == m.SenderID {
		return false
	}
	for i := range m.ReadBy {
		if m.ReadBy[i].UserID == userID {
			if t.After(m.ReadBy[i].ReadAt) {
				m.ReadBy[i].ReadAt = t
				return true
			}
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: t})
	return true
}

// Preview returns the list-screen text for the message
func (m *Message) Preview() string {
	if m == nil {
		return "(no messages yet)"
	}
	if m.Deleted {
		return "(message deleted)"
	}
	switch m.Kind {
	case KindImage:
		return "📷 Photo"
	case KindVideo:
		return "🎥 Video"
	case KindFile:
		return "📎 Attachment"
	default:
		return m.Text()
	}
}

// Timestamp truncates t to the precision every store keeps
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
