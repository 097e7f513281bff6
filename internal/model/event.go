package model

import (
	"encoding/json"
	"time"
)

// Client to server event names
const (
	EventJoinChat              = "joinChat"
	EventLeaveChat             = "leaveChat"
	EventJoinNotificationRoom  = "joinNotificationRoom"
	EventLeaveNotificationRoom = "leaveNotificationRoom"
	EventSendMessage           = "sendMessage"
	EventMarkMessagesRead      = "markMessagesRead"
	EventTyping                = "typing"
)

// Server to client event names
const (
	EventNewMessage     = "newMessage"
	EventMessagesRead   = "messagesRead"
	EventUserTyping     = "userTyping"
	EventMessageUpdated = "messageUpdated"
	EventMessageDeleted = "messageDeleted"
	EventError          = "error"
)

// Envelope is the frame exchanged over the websocket in both directions
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound event before encoding
type Event struct {
	Type string
	Data any
}

// Encode marshals the event into an envelope frame
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: e.Type, Data: data})
}

type JoinChatRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type LeaveChatRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type NotificationRoomRequest struct {
	UserID string `json:"userId"`
}

type SendMessageRequest struct {
	ChatID          string  `json:"chatId"`
	UserID          string  `json:"userId"`
	Message         *string `json:"message"`
	MessageType     string  `json:"messageType"`
	ParentMessageID string  `json:"parentMessageId,omitempty"`
	MediaKey        string  `json:"mediaKey,omitempty"`
	MediaName       string  `json:"mediaName,omitempty"`
	MediaURL        string  `json:"mediaUrl,omitempty"`
	MediaSize       int64   `json:"mediaSize,omitempty"`
}

// Attachment builds the attachment descriptor carried by the request
func (r SendMessageRequest) Attachment() *Attachment {
	a := &Attachment{Key: r.MediaKey, Name: r.MediaName, Size: r.MediaSize, URL: r.MediaURL}
	if a.Empty() {
		return nil
	}
	return a
}

type MarkMessagesReadRequest struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

type TypingRequest struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MessagesRead is sent to the channel room with UserIDs, and to each
// reader's personal room with UserID and UnreadCount.
type MessagesRead struct {
	ChatID      string   `json:"chatId"`
	UserIDs     []string `json:"userIds,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	UnreadCount *int     `json:"unreadCount,omitempty"`
}

type UserTyping struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MessageDeleted is used for soft delete notifications
type MessageDeleted struct {
	ChatID    string    `json:"chatId"`
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
