package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/glowcore/internal/fanout"
	"github.com/dukerupert/glowcore/internal/logging"
	"github.com/dukerupert/glowcore/internal/model"
)

func TestNewPostmarkValidates(t *testing.T) {
	_, err := NewPostmark("", "acct", "ops@example.com", "oncall@example.com")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewPostmark("server", "acct", "nobody", "oncall@example.com")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewPostmark("server", "acct", "ops@example.com", "")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p, err := NewPostmark("server", "", "ops@example.com", "oncall@example.com")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestPostmarkSend(t *testing.T) {
	var (
		gotToken string
		gotPath  string
		received map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"To":"oncall@example.com","MessageID":"m-1","ErrorCode":0,"Message":"OK"}`))
	}))
	defer server.Close()

	p, err := NewPostmark("server-token", "", "ops@example.com", "oncall@example.com")
	require.NoError(t, err)
	p.WithBaseURL(server.URL)

	err = p.Send(context.Background(), Message{Subject: "Key down", Text: "details", Tag: "key-deactivated"})
	require.NoError(t, err)

	assert.Equal(t, "server-token", gotToken)
	assert.Equal(t, "/email", gotPath)
	assert.Equal(t, "ops@example.com", received["From"])
	assert.Equal(t, "oncall@example.com", received["To"])
	assert.Equal(t, "Key down", received["Subject"])
	assert.Equal(t, "details", received["TextBody"])
}

func TestPostmarkSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ErrorCode":300,"Message":"Invalid email request"}`))
	}))
	defer server.Close()

	p, err := NewPostmark("server-token", "", "ops@example.com", "oncall@example.com")
	require.NoError(t, err)
	p.WithBaseURL(server.URL)

	err = p.Send(context.Background(), Message{Subject: "s", Text: "t"})
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Contains(t, err.Error(), "300")
}

type captureSender struct {
	mu   sync.Mutex
	sent []Message
}

func (c *captureSender) Send(_ context.Context, m Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	return nil
}

func TestNotifierKeyDeactivated(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender, logging.Discard())

	n.KeyDeactivated(context.Background(), model.APIKey{ID: 4, Name: "gemini-2", UsageCount: 17}, "3 consecutive permanent failures")
	n.Wait()

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Subject, "gemini-2")
	assert.Contains(t, sender.sent[0].Text, "3 consecutive permanent failures")
	assert.Equal(t, "key-deactivated", sender.sent[0].Tag)
}

func TestNotifierSendFinished(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender, logging.Discard())
	ctx := context.Background()
	notif := model.Notification{ID: 9, Title: "Sale"}

	n.SendFinished(ctx, notif, &fanout.SendResult{Status: model.StatusSent, Sent: 3})
	n.SendFinished(ctx, notif, &fanout.SendResult{Status: model.StatusPartialFailure, Sent: 2, Invalid: 1})
	n.Wait()
	assert.Empty(t, sender.sent)

	n.SendFinished(ctx, notif, &fanout.SendResult{Status: model.StatusFailed, Rejected: 2})
	n.SendFinished(ctx, notif, &fanout.SendResult{Status: model.StatusPartialFailure, Sent: 1, TimedOut: true, NotDispatched: 4})
	n.Wait()

	require.Len(t, sender.sent, 2)
	subjects := []string{sender.sent[0].Subject, sender.sent[1].Subject}
	assert.ElementsMatch(t, []string{"Notification 9 failed", "Notification 9 timed out"}, subjects)
}
