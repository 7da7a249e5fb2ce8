package push

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

var ErrNoCredentials = errors.New("push: no firebase credentials configured")

// FCMCredentials selects the service account used to talk to Firebase. At
// most one field should be set; JSON wins when both are.
type FCMCredentials struct {
	JSON []byte
	File string
}

func (c FCMCredentials) Configured() bool {
	return len(c.JSON) > 0 || c.File != ""
}

func (c FCMCredentials) clientOption() (option.ClientOption, error) {
	switch {
	case len(c.JSON) > 0:
		return option.WithCredentialsJSON(c.JSON), nil
	case c.File != "":
		return option.WithCredentialsFile(c.File), nil
	default:
		return nil, ErrNoCredentials
	}
}

type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender sends notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client messagingClient
}

func NewFCMSender(ctx context.Context, creds FCMCredentials) (*FCMSender, error) {
	opt, err := creds.clientOption()
	if err != nil {
		return nil, err
	}
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("push: init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("push: init firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, msg Message) (string, error) {
	return s.client.Send(ctx, fcmMessage(msg))
}

// fcmMessage builds a data message delivered at high priority with an
// audible, vibrating alert on both platforms.
func fcmMessage(msg Message) *messaging.Message {
	android := &messaging.AndroidConfig{
		Priority: "high",
		Notification: &messaging.AndroidNotification{
			Sound:                 "default",
			DefaultVibrateTimings: true,
		},
	}
	if msg.TTL > 0 {
		ttl := msg.TTL
		android.TTL = &ttl
	}

	data := make(map[string]string, len(msg.Data))
	for k, v := range msg.Data {
		data[k] = v
	}

	return &messaging.Message{
		Token:   msg.Token,
		Data:    data,
		Android: android,
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}
}
