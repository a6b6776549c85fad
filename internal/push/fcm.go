package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmClient is the part of *messaging.Client FCM uses.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCM sends to iOS and Android devices through Firebase Cloud Messaging.
type FCM struct {
	client fcmClient
}

// NewFCM initialises Firebase from a service account file, or from
// application default credentials when credentialsFile is empty.
func NewFCM(ctx context.Context, credentialsFile string) (*FCM, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}
	return &FCM{client: client}, nil
}

func (f *FCM) Send(ctx context.Context, token string, p Payload) error {
	_, err := f.client.Send(ctx, buildFCMMessage(token, p))
	if err != nil {
		return classifyFCM(err)
	}
	return nil
}

func buildFCMMessage(token string, p Payload) *messaging.Message {
	data := map[string]string{
		"notification_id": strconv.FormatInt(p.NotificationID, 10),
	}
	if p.URL != "" {
		data["link"] = p.URL
	}
	if p.Type != "" {
		data["type"] = p.Type
	}
	for k, v := range p.Data {
		data[k] = v
	}

	androidPriority, apnsPriority := "normal", "5"
	if p.HighPriority() {
		androidPriority, apnsPriority = "high", "10"
	}

	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title:    p.Title,
			Body:     p.Body,
			ImageURL: p.ImageURL,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority:    androidPriority,
			CollapseKey: p.Tag,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":    apnsPriority,
				"apns-collapse-id": p.Tag,
			},
		},
	}
}

// classifyFCM maps Firebase error codes to the push taxonomy.
func classifyFCM(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: fcm: %v", ErrTransient, err)
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err):
		return fmt.Errorf("%w: fcm: %v", ErrInvalidToken, err)
	case errorutils.IsInvalidArgument(err):
		// FCM reports malformed registration tokens as INVALID_ARGUMENT too.
		if strings.Contains(strings.ToLower(err.Error()), "registration token") {
			return fmt.Errorf("%w: fcm: %v", ErrInvalidToken, err)
		}
		return fmt.Errorf("%w: fcm: %v", ErrRejected, err)
	case messaging.IsThirdPartyAuthError(err), errorutils.IsUnauthenticated(err), errorutils.IsPermissionDenied(err):
		return fmt.Errorf("%w: fcm: %v", ErrRejected, err)
	default:
		// Quota, unavailable, internal and transport errors.
		return fmt.Errorf("%w: fcm: %v", ErrTransient, err)
	}
}
