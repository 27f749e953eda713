package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

const fcmTTL = time.Hour

// fcmClient is the subset of *messaging.Client the sender uses.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender sends push notifications via Firebase Cloud Messaging.
type FCMSender struct {
	client fcmClient
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile and returns a ready-to-use FCMSender.
// If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client}, nil
}

// Send delivers a high-priority message to one FCM registration token. The
// payload travels as string data; title and body, when present, also form a
// visible notification.
func (f *FCMSender) Send(ctx context.Context, target Target, n Notification) error {
	if target.Kind != KindFCM {
		return fmt.Errorf("fcm sender: unsupported kind %q", target.Kind)
	}

	data, err := fcmData(n)
	if err != nil {
		return fmt.Errorf("fcm: encoding data: %w", err)
	}

	ttl := fcmTTL
	msg := &messaging.Message{
		Token: target.Token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}
	if n.Title != "" || n.Body != "" {
		msg.Notification = &messaging.Notification{Title: n.Title, Body: n.Body}
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		invalid := messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err)
		return &ProviderError{Provider: "fcm", Reason: err.Error(), Invalid: invalid, Err: err}
	}

	slog.Debug("fcm message sent", "message_id", id, "token", SummarizeToken(target.Token))
	return nil
}

// fcmData flattens the payload into FCM's string-only data map. Strings pass
// through; everything else is JSON encoded.
func fcmData(n Notification) (map[string]string, error) {
	data := make(map[string]string, len(n.Payload)+2)
	for k, v := range n.Payload {
		if s, ok := v.(string); ok {
			data[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("payload key %s: %w", k, err)
		}
		data[k] = string(b)
	}
	if n.Title != "" {
		data["title"] = n.Title
	}
	if n.Body != "" {
		data["body"] = n.Body
	}
	return data, nil
}
