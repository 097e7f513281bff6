package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmBatchLimit is the most tokens FCM accepts in one multicast
const fcmBatchLimit = 500

// FCMProvider sends through Firebase Cloud Messaging
type FCMProvider struct {
	client *messaging.Client
}

// NewFCM builds a messaging client from a service account file
func NewFCM(ctx context.Context, projectID, credentialsFile string) (*FCMProvider, error) {
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("fcm: init app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: messaging client: %w", err)
	}
	return &FCMProvider{client: client}, nil
}

func (p *FCMProvider) message(tokens []string, n Notification) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}
	if n.AndroidChannel != "" {
		msg.Android.Notification = &messaging.AndroidNotification{ChannelID: n.AndroidChannel}
	}
	return msg
}

func (p *FCMProvider) Send(ctx context.Context, tokens []string, n Notification) (Report, error) {
	var report Report
	for start := 0; start < len(tokens); start += fcmBatchLimit {
		end := min(start+fcmBatchLimit, len(tokens))
		batch := tokens[start:end]

		resp, err := p.client.SendEachForMulticast(ctx, p.message(batch, n))
		if err != nil {
			report.Failed += len(tokens) - start
			return report, fmt.Errorf("fcm: send: %w", err)
		}
		report.Sent += resp.SuccessCount
		report.Failed += resp.FailureCount
		for i, r := range resp.Responses {
			if r.Success || r.Error == nil {
				continue
			}
			if messaging.IsUnregistered(r.Error) || messaging.IsInvalidArgument(r.Error) {
				report.Invalid = append(report.Invalid, batch[i])
			}
		}
	}
	return report, nil
}
