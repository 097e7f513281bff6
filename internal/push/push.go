// Package push delivers notifications to the devices of users who have no
// live connection.
package push

import (
	"context"

	"enquirychat/internal/logger"
	"enquirychat/internal/model"
)

// Android notification channel ids; the mobile app creates the same ones
const (
	AndroidDefaultChannel      = "default_channel"
	AndroidEnquiryChannel      = "enquiry_channel"
	AndroidMessageChannel      = "message_channel"
	AndroidSystemChannel       = "system_channel"
	AndroidHighPriorityChannel = "high_priority_channel"
)

var androidChannels = map[model.NotificationType]string{
	model.NotifyEnquiryCreated:  AndroidEnquiryChannel,
	model.NotifyEnquiryAssigned: AndroidEnquiryChannel,
	model.NotifyEnquiryUpdated:  AndroidEnquiryChannel,
	model.NotifyNewMessage:      AndroidMessageChannel,
	model.NotifyAssetUpload:     AndroidEnquiryChannel,
	model.NotifySystemAlert:     AndroidSystemChannel,
	model.NotifyOther:           AndroidDefaultChannel,
}

// AndroidChannelFor maps a notification type to its Android channel,
// falling back to the default channel
func AndroidChannelFor(t model.NotificationType) string {
	if ch, ok := androidChannels[t]; ok {
		return ch
	}
	return AndroidDefaultChannel
}

// Notification is the provider-neutral payload of one push
type Notification struct {
	Title          string
	Body           string
	Data           map[string]string
	AndroidChannel string
}

// Report summarises one Send call. Invalid lists the tokens the provider
// rejected as unknown or malformed; they should be pruned.
type Report struct {
	Sent    int
	Failed  int
	Invalid []string
}

// Provider sends one notification to a batch of device tokens
type Provider interface {
	Send(ctx context.Context, tokens []string, n Notification) (Report, error)
}

// NopProvider is used when no push credentials are configured
type NopProvider struct{}

func (NopProvider) Send(ctx context.Context, tokens []string, n Notification) (Report, error) {
	logger.Debug("push_skipped", "tokens", len(tokens), "title", n.Title)
	return Report{}, nil
}
