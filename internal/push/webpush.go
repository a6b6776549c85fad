package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPush sends through the browser push services with VAPID. The token is
// the browser's PushSubscription serialised as JSON.
type WebPush struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	client     webpush.HTTPClient
}

func NewWebPush(publicKey, privateKey, subscriber string) *WebPush {
	return &WebPush{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		ttl:        86400,
		client:     http.DefaultClient,
	}
}

// WithHTTPClient overrides the client used to reach push services.
func (w *WebPush) WithHTTPClient(c webpush.HTTPClient) *WebPush {
	w.client = c
	return w
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (w *WebPush) VAPIDPublicKey() string {
	return w.publicKey
}

func (w *WebPush) Send(ctx context.Context, token string, p Payload) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil || sub.Endpoint == "" {
		return fmt.Errorf("%w: malformed web push subscription", ErrInvalidToken)
	}
	if !validKey(sub.Keys.P256dh, 65) || !validKey(sub.Keys.Auth, 16) {
		return fmt.Errorf("%w: web push subscription keys", ErrInvalidToken)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrRejected, err)
	}

	urgency := webpush.UrgencyNormal
	if p.HighPriority() {
		urgency = webpush.UrgencyHigh
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &sub, &webpush.Options{
		HTTPClient:      w.client,
		VAPIDPublicKey:  w.publicKey,
		VAPIDPrivateKey: w.privateKey,
		Subscriber:      w.subscriber,
		TTL:             w.ttl,
		Urgency:         urgency,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("%w: send web push: %v", ErrTransient, err)
		}
		// Anything before the HTTP round trip is our VAPID setup.
		return fmt.Errorf("%w: send web push: %v", ErrRejected, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode)
}

func validKey(s string, size int) bool {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return len(b) == size
		}
	}
	return false
}

func classifyStatus(code int) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: push service returned %d", ErrInvalidToken, code)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("%w: push service returned %d", ErrTransient, code)
	default:
		return fmt.Errorf("%w: push service returned %d", ErrRejected, code)
	}
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(key.D.FillBytes(make([]byte, 32)))

	return publicKey, privateKey, nil
}
