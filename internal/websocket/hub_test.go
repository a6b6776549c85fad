package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/glowcore/internal/backup"
	"github.com/dukerupert/glowcore/internal/fanout"
	"github.com/dukerupert/glowcore/internal/logging"
	"github.com/dukerupert/glowcore/internal/model"
)

// mockClient has a send channel but no connection.
func mockClient(hub *Hub, entities ...string) *Client {
	return NewClient(hub, nil, entities...)
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var got Message
		require.NoError(t, json.Unmarshal(data, &got))
		return got
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(logging.Discard())
	c1, c2 := mockClient(hub), mockClient(hub)

	hub.Register(c1)
	hub.Register(c2)
	assert.Equal(t, 2, hub.ClientCount())

	hub.Unregister(c1)
	assert.Equal(t, 1, hub.ClientCount())

	hub.Unregister(c2)
	hub.Unregister(c2)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	hub := NewHub(logging.Discard())
	c1, c2 := mockClient(hub), mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)
	defer hub.Unregister(c1)
	defer hub.Unregister(c2)

	hub.Broadcast(NewMessage("notification", "created", 42, nil))

	for _, c := range []*Client{c1, c2} {
		got := receive(t, c)
		assert.Equal(t, "notification_created", got.Type)
		assert.Equal(t, int64(42), got.ID)
	}
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(logging.Discard())
	hub.Broadcast(NewMessage("notification", "created", 1, nil))
	assert.Zero(t, hub.Dropped())
}

func TestBroadcastFullBufferDrops(t *testing.T) {
	hub := NewHub(logging.Discard())
	c := mockClient(hub)
	hub.Register(c)
	defer hub.Unregister(c)

	for i := range sendBufferSize {
		hub.Broadcast(NewMessage("test", "fill", int64(i), nil))
	}
	hub.Broadcast(NewMessage("test", "dropped", 999, nil))

	assert.Len(t, c.send, sendBufferSize)
	assert.Equal(t, int64(1), hub.Dropped())
	assert.Equal(t, 1, hub.ClientCount())
}

func TestSlowClientIsEvicted(t *testing.T) {
	hub := NewHub(logging.Discard())
	slow, fast := mockClient(hub), mockClient(hub)
	hub.Register(slow)
	hub.Register(fast)
	defer hub.Unregister(fast)

	for i := range sendBufferSize + maxMissed {
		hub.Broadcast(NewMessage("test", "fill", int64(i), nil))
		// Drain fast so it never falls behind.
		<-fast.send
	}

	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, int64(1), hub.Evicted())
	assert.True(t, slow.slow.Load())

	// The evicted client's channel is closed once its backlog drains.
	for range sendBufferSize {
		<-slow.send
	}
	_, open := <-slow.send
	assert.False(t, open)
}

func TestSubscriptionFiltersEntities(t *testing.T) {
	hub := NewHub(logging.Discard())
	all := mockClient(hub)
	keysOnly := mockClient(hub, "api_key", " ")
	hub.Register(all)
	hub.Register(keysOnly)
	defer hub.Unregister(all)
	defer hub.Unregister(keysOnly)

	hub.Broadcast(NewMessage("notification", "status", 1, nil))
	hub.Broadcast(NewMessage("api_key", "deactivated", 2, nil))

	assert.Equal(t, "notification_status", receive(t, all).Type)
	assert.Equal(t, "api_key_deactivated", receive(t, all).Type)
	assert.Equal(t, "api_key_deactivated", receive(t, keysOnly).Type)
	assert.Empty(t, keysOnly.send)
	assert.Equal(t, []string{"api_key"}, keysOnly.entityList())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(logging.Discard())
	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub)
			hub.Register(c)
			hub.Broadcast(NewMessage("test", "concurrent", 0, nil))
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, hub.ClientCount())
}

func TestPublisherSendFinished(t *testing.T) {
	hub := NewHub(logging.Discard())
	c := mockClient(hub)
	hub.Register(c)
	defer hub.Unregister(c)

	NewPublisher(hub).SendFinished(context.Background(), model.Notification{ID: 7}, &fanout.SendResult{
		Status: model.StatusPartialFailure, Epoch: 2, Sent: 8, Invalid: 2,
	})

	got := receive(t, c)
	assert.Equal(t, "notification_status", got.Type)
	assert.Equal(t, int64(7), got.ID)
	data, ok := got.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "partial_failure", data["status"])
	assert.Equal(t, float64(8), data["sent"])
	assert.Equal(t, float64(2), data["invalid"])
}

func TestPublisherKeyDeactivated(t *testing.T) {
	hub := NewHub(logging.Discard())
	c := mockClient(hub)
	hub.Register(c)
	defer hub.Unregister(c)

	NewPublisher(hub).KeyDeactivated(context.Background(), model.APIKey{ID: 3, Name: "k3"}, "revoked")

	got := receive(t, c)
	assert.Equal(t, "api_key_deactivated", got.Type)
	assert.Equal(t, map[string]any{"name": "k3", "reason": "revoked"}, got.Data)
}

func TestPublisherBackupStatus(t *testing.T) {
	hub := NewHub(logging.Discard())
	c := mockClient(hub)
	hub.Register(c)

	NewPublisher(hub).BackupStatus(backup.Status{State: backup.StateError, Error: "bucket unreachable"})

	got := receive(t, c)
	assert.Equal(t, "backup_status", got.Type)
	data := got.Data.(map[string]any)
	assert.Equal(t, "error", data["state"])
	assert.Equal(t, "bucket unreachable", data["error"])
}
