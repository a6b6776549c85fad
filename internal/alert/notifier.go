package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/glowcore/internal/fanout"
	"github.com/dukerupert/glowcore/internal/model"
)

const sendTimeout = 15 * time.Second

// Notifier turns pool and dispatcher events into operator alerts. Alerts go
// out in the background; Wait blocks until they are all done.
type Notifier struct {
	sender Sender
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewNotifier(sender Sender, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, logger: logger}
}

// KeyDeactivated is called by the key pool.
func (n *Notifier) KeyDeactivated(ctx context.Context, key model.APIKey, reason string) {
	n.dispatch(ctx, Message{
		Subject: fmt.Sprintf("API key %q deactivated", key.Name),
		Text: fmt.Sprintf(
			"API key %q (id %d) was taken out of rotation.\n\nReason: %s\nUsage count: %d\n\nReactivate it once the provider account is fixed.",
			key.Name, key.ID, reason, key.UsageCount,
		),
		Tag: "key-deactivated",
	})
}

// SendFinished is called by the dispatcher. Only sends that reached nobody or
// ran out of time raise an alert.
func (n *Notifier) SendFinished(ctx context.Context, notif model.Notification, res *fanout.SendResult) {
	if res.Status != model.StatusFailed && !res.TimedOut {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Notification %d %q finished epoch %d with status %s.\n\n", notif.ID, notif.Title, res.Epoch, res.Status)
	fmt.Fprintf(&b, "Sent: %d\nTransient failures: %d\nInvalid tokens: %d\nRejected: %d\n", res.Sent, res.Failed, res.Invalid, res.Rejected)
	if res.TimedOut {
		fmt.Fprintf(&b, "\nThe send deadline passed with %d tokens not dispatched.\n", res.NotDispatched)
	}

	subject := fmt.Sprintf("Notification %d failed", notif.ID)
	if res.Status != model.StatusFailed {
		subject = fmt.Sprintf("Notification %d timed out", notif.ID)
	}
	n.dispatch(ctx, Message{Subject: subject, Text: b.String(), Tag: "notification-failed"})
}

func (n *Notifier) dispatch(ctx context.Context, m Message) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := n.sender.Send(ctx, m); err != nil {
			n.logger.Error("send operator alert", "subject", m.Subject, "error", err)
			return
		}
		n.logger.Info("operator alert sent", "subject", m.Subject)
	}()
}

// Wait blocks until every pending alert has been attempted.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
