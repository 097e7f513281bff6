package model

import (
	"fmt"
	"strings"
	"time"
)

// NotificationType tells clients which icon and screen an inbox entry uses
type NotificationType string

const (
	NotifyEnquiryCreated  NotificationType = "enquiry_created"
	NotifyEnquiryAssigned NotificationType = "enquiry_assigned"
	NotifyEnquiryUpdated  NotificationType = "enquiry_updated"
	NotifyNewMessage      NotificationType = "new_message"
	NotifyAssetUpload     NotificationType = "asset_upload"
	NotifySystemAlert     NotificationType = "system_alert"
	NotifyOther           NotificationType = "other"
)

// ParseNotificationType defaults an empty type to system_alert
func ParseNotificationType(s string) (NotificationType, error) {
	t := NotificationType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "":
		return NotifySystemAlert, nil
	case NotifyEnquiryCreated, NotifyEnquiryAssigned, NotifyEnquiryUpdated,
		NotifyNewMessage, NotifyAssetUpload, NotifySystemAlert, NotifyOther:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown notification type %q", ErrInvalid, s)
	}
}

// Notification is one persisted entry of a user's inbox
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Type      NotificationType `json:"type"`
	Link      string           `json:"link"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}
