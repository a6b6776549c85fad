package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/glowcore/internal/model"
)

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)

	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	require.NoError(t, err)
	assert.Len(t, pubBytes, 65)

	privBytes, err := base64.RawURLEncoding.DecodeString(priv)
	require.NoError(t, err)
	assert.Len(t, privBytes, 32)

	pub2, _, _ := GenerateVAPIDKeys()
	assert.NotEqual(t, pub, pub2)
}

func TestPayloadFor(t *testing.T) {
	p := PayloadFor(&model.Notification{
		ID: 42, Title: "Glow", Message: "New routine", Link: "/routine", Priority: "high", Type: "tip",
	})
	assert.Equal(t, int64(42), p.NotificationID)
	assert.Equal(t, "New routine", p.Body)
	assert.Equal(t, "notification-42", p.Tag)
	assert.True(t, p.HighPriority())
}

func TestStatusAndRetryable(t *testing.T) {
	cases := []struct {
		err       error
		status    model.DeliveryStatus
		retryable bool
	}{
		{nil, model.DeliverySent, false},
		{ErrInvalidToken, model.DeliveryInvalidToken, false},
		{ErrRejected, model.DeliveryRejected, false},
		{ErrTransient, model.DeliveryTransientError, true},
		{errors.New("connection reset"), model.DeliveryTransientError, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, Status(tc.err), "%v", tc.err)
		assert.Equal(t, tc.retryable, Retryable(tc.err), "%v", tc.err)
	}
}

type senderFunc func(ctx context.Context, token string, p Payload) error

func (f senderFunc) Send(ctx context.Context, token string, p Payload) error { return f(ctx, token, p) }

func TestRouter(t *testing.T) {
	var got []string
	r := NewRouter().Handle(senderFunc(func(_ context.Context, token string, _ Payload) error {
		got = append(got, token)
		return nil
	}), model.PlatformIOS, model.PlatformAndroid)

	require.NoError(t, r.Send(context.Background(), model.PlatformIOS, "a", Payload{}))
	require.NoError(t, r.Send(context.Background(), model.PlatformAndroid, "b", Payload{}))
	assert.Equal(t, []string{"a", "b"}, got)

	assert.True(t, r.Supports(model.PlatformIOS))
	assert.False(t, r.Supports(model.PlatformWeb))
	err := r.Send(context.Background(), model.PlatformWeb, "c", Payload{})
	assert.ErrorIs(t, err, ErrRejected)
}

func testSubscription(t *testing.T, endpoint string) string {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	sub := map[string]any{
		"endpoint": endpoint,
		"keys": map[string]string{
			"p256dh": base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			"auth":   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
	b, err := json.Marshal(sub)
	require.NoError(t, err)
	return string(b)
}

func TestWebPushStatusMapping(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)

	cases := []struct {
		code int
		want error
	}{
		{http.StatusCreated, nil},
		{http.StatusGone, ErrInvalidToken},
		{http.StatusNotFound, ErrInvalidToken},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusRequestEntityTooLarge, ErrRejected},
		{http.StatusForbidden, ErrRejected},
	}
	for _, tc := range cases {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			assert.NotEmpty(t, r.Header.Get("Authorization"))
			w.WriteHeader(tc.code)
		}))

		wp := NewWebPush(pub, priv, "mailto:ops@example.com").WithHTTPClient(srv.Client())
		err := wp.Send(context.Background(), testSubscription(t, srv.URL), Payload{Title: "hi"})
		srv.Close()

		if tc.want == nil {
			assert.NoError(t, err, "status %d", tc.code)
		} else {
			assert.ErrorIs(t, err, tc.want, "status %d", tc.code)
		}
		assert.Equal(t, int32(1), hits.Load())
	}
}

func TestWebPushMalformedSubscription(t *testing.T) {
	wp := NewWebPush("pub", "priv", "mailto:ops@example.com")

	err := wp.Send(context.Background(), "not json", Payload{})
	assert.ErrorIs(t, err, ErrInvalidToken)

	err = wp.Send(context.Background(), `{"endpoint":"https://push.example.com/x","keys":{"p256dh":"short","auth":"x"}}`, Payload{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWebPushUnreachableIsTransient(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	wp := NewWebPush(pub, priv, "mailto:ops@example.com")
	err = wp.Send(context.Background(), testSubscription(t, endpoint), Payload{})
	assert.ErrorIs(t, err, ErrTransient)
}

type fakeFCMClient struct {
	err error
	msg *messaging.Message
}

func (f *fakeFCMClient) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.msg = m
	return "projects/x/messages/1", f.err
}

func TestFCMBuildsMessage(t *testing.T) {
	client := &fakeFCMClient{}
	f := &FCM{client: client}

	err := f.Send(context.Background(), "fcm-token", Payload{
		NotificationID: 7, Title: "t", Body: "b", URL: "/x", Tag: "notification-7", Priority: "high",
	})
	require.NoError(t, err)

	m := client.msg
	require.NotNil(t, m)
	assert.Equal(t, "fcm-token", m.Token)
	assert.Equal(t, "t", m.Notification.Title)
	assert.Equal(t, "7", m.Data["notification_id"])
	assert.Equal(t, "/x", m.Data["link"])
	assert.Equal(t, "high", m.Android.Priority)
	assert.Equal(t, "10", m.APNS.Headers["apns-priority"])
}

func TestFCMUnknownErrorsAreTransient(t *testing.T) {
	f := &FCM{client: &fakeFCMClient{err: errors.New("dial tcp: i/o timeout")}}
	err := f.Send(context.Background(), "tok", Payload{})
	assert.ErrorIs(t, err, ErrTransient)

	f = &FCM{client: &fakeFCMClient{err: context.DeadlineExceeded}}
	err = f.Send(context.Background(), "tok", Payload{})
	assert.ErrorIs(t, err, ErrTransient)
}
