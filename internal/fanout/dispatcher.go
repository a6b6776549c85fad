// Package fanout delivers one notification to every device in its audience.
//
// A send claims the notification row (status "sending", new attempt epoch),
// delivers in per-platform batches on a bounded worker pool, records exactly
// one ledger row per token per epoch and then writes the terminal status.
// The claim and the ledger are the only coordination between workers.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/glowcore/internal/audience"
	"github.com/dukerupert/glowcore/internal/devices"
	"github.com/dukerupert/glowcore/internal/ledger"
	"github.com/dukerupert/glowcore/internal/model"
	"github.com/dukerupert/glowcore/internal/push"
	"github.com/dukerupert/glowcore/internal/store"
)

var (
	// ErrDuplicateSend means the notification was already delivered. Callers
	// should treat it as a successful no-op.
	ErrDuplicateSend = errors.New("notification already sent")
	// ErrSendInProgress means another worker holds the send claim.
	ErrSendInProgress = errors.New("notification send in progress")
	ErrNotFound       = errors.New("notification not found")
	// ErrNotResendable means the notification is not in partial_failure.
	ErrNotResendable = errors.New("notification has no failed subset to resend")
	// ErrNothingToResend means none of the failed tokens still exist.
	ErrNothingToResend = errors.New("no failed tokens left to resend")
)

const notDispatched = "not dispatched: send deadline passed"

type Config struct {
	MaxBatchSize int
	Concurrency  int
	MaxRetries   int
	RetryBase    time.Duration
	CallTimeout  time.Duration
	// SendLease is how long a "sending" claim is trusted before another
	// worker may take it over.
	SendLease time.Duration
	// SendDeadline bounds a send whose context has no deadline of its own.
	SendDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.SendLease <= 0 {
		c.SendLease = 15 * time.Minute
	}
	return c
}

// SendResult aggregates one epoch of a send.
type SendResult struct {
	NotificationID int64                    `json:"notification_id"`
	Epoch          int                      `json:"epoch"`
	Status         model.NotificationStatus `json:"status"`
	Sent           int                      `json:"sent"`
	// Failed counts transient failures that survived every retry, including
	// tokens never dispatched because the deadline passed.
	Failed          int                  `json:"failed"`
	Invalid         int                  `json:"invalid"`
	Rejected        int                  `json:"rejected"`
	NotDispatched   int                  `json:"not_dispatched"`
	Skipped         int                  `json:"skipped"`
	TimedOut        bool                 `json:"timed_out"`
	FailedTokenIDs  []int64              `json:"failed_token_ids,omitempty"`
	InvalidTokenIDs []int64              `json:"invalid_token_ids,omitempty"`
	Resolution      *audience.Resolution `json:"resolution,omitempty"`
}

// Observer is told about every finished send.
type Observer interface {
	SendFinished(ctx context.Context, n model.Notification, res *SendResult)
}

// Observers fans out to several observers.
type Observers []Observer

func (obs Observers) SendFinished(ctx context.Context, n model.Notification, res *SendResult) {
	for _, o := range obs {
		o.SendFinished(ctx, n, res)
	}
}

type Dispatcher struct {
	notifications *store.NotificationStore
	resolver      *audience.Resolver
	registry      *devices.Registry
	ledger        *ledger.Ledger
	provider      push.Provider
	cfg           Config
	observer      Observer
	logger        *slog.Logger
	now           func() time.Time
}

func New(
	notifications *store.NotificationStore,
	resolver *audience.Resolver,
	registry *devices.Registry,
	ledger *ledger.Ledger,
	provider push.Provider,
	cfg Config,
	observer Observer,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		notifications: notifications,
		resolver:      resolver,
		registry:      registry,
		ledger:        ledger,
		provider:      provider,
		cfg:           cfg.withDefaults(),
		observer:      observer,
		logger:        logger,
		now:           time.Now,
	}
}

// Send delivers notification id to its whole audience. It returns
// ErrDuplicateSend without side effects if sent_at is already set, and
// audience.ErrNoDevices, also without side effects, if nobody can receive it.
func (d *Dispatcher) Send(ctx context.Context, id int64) (*SendResult, error) {
	n, err := d.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.SentAt != nil {
		return nil, fmt.Errorf("send notification %d: %w", id, ErrDuplicateSend)
	}

	res, err := d.resolver.Resolve(ctx, n)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	epoch, err := d.notifications.ClaimSending(ctx, id, store.SendClaim{
		ObservedEpoch: n.AttemptEpoch,
		From:          []model.NotificationStatus{model.StatusDraft, model.StatusScheduled, model.StatusFailed},
		RequireUnsent: true,
		StaleBefore:   now.Add(-d.cfg.SendLease),
		Now:           now,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, d.claimLost(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("send notification %d: %w", id, err)
	}

	return d.dispatch(ctx, n, epoch, res.Tokens, res)
}

// ResendFailed retries, under a new epoch, only the tokens that ended the
// previous epoch with a transient error. Allowed from partial_failure only.
func (d *Dispatcher) ResendFailed(ctx context.Context, id int64) (*SendResult, error) {
	n, err := d.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != model.StatusPartialFailure {
		if n.Status == model.StatusSending {
			return nil, fmt.Errorf("resend notification %d: %w", id, ErrSendInProgress)
		}
		return nil, fmt.Errorf("resend notification %d in status %s: %w", id, n.Status, ErrNotResendable)
	}

	tokens, err := d.failedTokens(ctx, n.ID, n.AttemptEpoch)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("resend notification %d: %w", id, ErrNothingToResend)
	}

	now := d.now().UTC()
	epoch, err := d.notifications.ClaimSending(ctx, id, store.SendClaim{
		ObservedEpoch: n.AttemptEpoch,
		From:          []model.NotificationStatus{model.StatusPartialFailure},
		StaleBefore:   now.Add(-d.cfg.SendLease),
		Now:           now,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("resend notification %d: %w", id, ErrSendInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("resend notification %d: %w", id, err)
	}

	return d.dispatch(ctx, n, epoch, tokens, nil)
}

// Recover takes over a notification whose "sending" claim went stale and
// finishes that epoch. Tokens already in the ledger are not sent again.
func (d *Dispatcher) Recover(ctx context.Context, id int64) (*SendResult, error) {
	n, err := d.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	epoch, err := d.notifications.ClaimSending(ctx, id, store.SendClaim{
		ObservedEpoch: n.AttemptEpoch,
		StaleBefore:   now.Add(-d.cfg.SendLease),
		Now:           now,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("recover notification %d: %w", id, ErrSendInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("recover notification %d: %w", id, err)
	}

	// sent_at already set means the stale epoch was a resend of the
	// previous epoch's failures; otherwise it was a full send.
	var (
		tokens []model.DeviceToken
		res    *audience.Resolution
	)
	if n.SentAt != nil {
		tokens, err = d.failedTokens(ctx, n.ID, epoch-1)
	} else {
		res, err = d.resolver.Resolve(ctx, n)
		if res != nil {
			tokens = res.Tokens
		}
		if errors.Is(err, audience.ErrNoDevices) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("recover notification %d: %w", id, err)
	}

	d.logger.Warn("recovering stale send", "notification_id", id, "epoch", epoch, "tokens", len(tokens))
	return d.dispatch(ctx, n, epoch, tokens, res)
}

func (d *Dispatcher) load(ctx context.Context, id int64) (*model.Notification, error) {
	n, err := d.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load notification %d: %w", id, err)
	}
	if n == nil {
		return nil, fmt.Errorf("load notification %d: %w", id, ErrNotFound)
	}
	return n, nil
}

func (d *Dispatcher) claimLost(ctx context.Context, id int64) error {
	n, err := d.notifications.GetByID(ctx, id)
	if err == nil && n != nil && n.SentAt != nil {
		return fmt.Errorf("send notification %d: %w", id, ErrDuplicateSend)
	}
	return fmt.Errorf("send notification %d: %w", id, ErrSendInProgress)
}

func (d *Dispatcher) failedTokens(ctx context.Context, notificationID int64, epoch int) ([]model.DeviceToken, error) {
	ids, err := d.ledger.FailedTokenIDs(ctx, notificationID, epoch)
	if err != nil {
		return nil, fmt.Errorf("list failed tokens: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	tokens, err := d.registry.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list failed tokens: %w", err)
	}
	return tokens, nil
}

// dispatch runs one claimed epoch to completion.
func (d *Dispatcher) dispatch(ctx context.Context, n *model.Notification, epoch int, tokens []model.DeviceToken, res *audience.Resolution) (*SendResult, error) {
	if _, ok := ctx.Deadline(); !ok && d.cfg.SendDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SendDeadline)
		defer cancel()
	}
	// Work that has started is never aborted by the caller's deadline.
	work := context.WithoutCancel(ctx)

	result := &SendResult{NotificationID: n.ID, Epoch: epoch, Resolution: res}

	recorded, err := d.ledger.RecordedTokenIDs(work, n.ID, epoch)
	if err != nil {
		return nil, fmt.Errorf("dispatch notification %d: %w", n.ID, err)
	}
	pending := tokens[:0:0]
	for _, t := range tokens {
		if recorded[t.ID] {
			result.Skipped++
			continue
		}
		pending = append(pending, t)
	}

	log := d.logger.With("notification_id", n.ID, "epoch", epoch)
	log.Info("dispatching notification", "tokens", len(pending), "skipped", result.Skipped)

	stopRenew := d.renewClaim(work, n.ID, epoch)
	payload := push.PayloadFor(n)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)
	markTimedOut := func(count int) {
		mu.Lock()
		result.TimedOut = true
		result.NotDispatched += count
		mu.Unlock()
	}

	for _, batch := range Partition(pending, d.cfg.MaxBatchSize) {
		if ctx.Err() != nil {
			markTimedOut(len(batch.Tokens))
			g.Go(func() error { return d.recordNotDispatched(work, n.ID, epoch, batch) })
			continue
		}
		g.Go(func() error {
			// Waiting for a worker slot may outlast the deadline.
			if ctx.Err() != nil {
				markTimedOut(len(batch.Tokens))
				return d.recordNotDispatched(work, n.ID, epoch, batch)
			}
			return d.sendBatch(work, n.ID, epoch, batch, payload)
		})
	}
	err = g.Wait()
	stopRenew()
	if err != nil {
		// The claim stays; the epoch is finished by Recover once it is stale.
		return nil, fmt.Errorf("dispatch notification %d: %w", n.ID, err)
	}

	if result.TimedOut {
		log.Warn("send deadline passed, batches not dispatched", "not_dispatched", result.NotDispatched)
	}
	return d.finish(work, n, epoch, result)
}

// renewClaim keeps the "sending" claim fresh while batches run.
func (d *Dispatcher) renewClaim(ctx context.Context, id int64, epoch int) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.cfg.SendLease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.notifications.RenewSending(ctx, id, epoch, d.now()); err != nil {
					d.logger.Error("renew send claim", "notification_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (d *Dispatcher) sendBatch(ctx context.Context, notificationID int64, epoch int, b Batch, payload push.Payload) error {
	for _, t := range b.Tokens {
		tries, err := d.deliver(ctx, t, payload)
		status := push.Status(err)

		attempt := model.DeliveryAttempt{
			NotificationID: notificationID,
			DeviceTokenID:  t.ID,
			Epoch:          epoch,
			Platform:       t.Platform,
			Status:         status,
			Tries:          tries,
		}
		if err != nil {
			attempt.Error = err.Error()
		}
		if _, err := d.ledger.Record(ctx, attempt); err != nil {
			return err
		}

		if status == model.DeliveryInvalidToken {
			if err := d.registry.Invalidate(ctx, t.ID); err != nil {
				d.logger.Error("invalidate device token", "token_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

// deliver sends to one token, retrying transient failures with exponential
// backoff. It returns the number of provider calls made.
func (d *Dispatcher) deliver(ctx context.Context, t model.DeviceToken, payload push.Payload) (int, error) {
	b := retry.NewExponential(d.cfg.RetryBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(uint64(d.cfg.MaxRetries), b)

	tries := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()

		err := d.provider.Send(callCtx, t.Platform, t.Token, payload)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, push.ErrTransient) {
			err = fmt.Errorf("%w: call timed out after %s: %v", push.ErrTransient, d.cfg.CallTimeout, err)
		}
		if push.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return tries, err
}

func (d *Dispatcher) recordNotDispatched(ctx context.Context, notificationID int64, epoch int, b Batch) error {
	for _, t := range b.Tokens {
		_, err := d.ledger.Record(ctx, model.DeliveryAttempt{
			NotificationID: notificationID,
			DeviceTokenID:  t.ID,
			Epoch:          epoch,
			Platform:       t.Platform,
			Status:         model.DeliveryTransientError,
			Error:          notDispatched,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// finish tallies the epoch from the ledger and writes the terminal status.
func (d *Dispatcher) finish(ctx context.Context, n *model.Notification, epoch int, result *SendResult) (*SendResult, error) {
	tally, err := d.ledger.Tally(ctx, n.ID, epoch)
	if err != nil {
		return nil, fmt.Errorf("finish notification %d: %w", n.ID, err)
	}
	result.Sent = tally.Sent
	result.Failed = tally.Transient
	result.Invalid = tally.Invalid
	result.Rejected = tally.Rejected

	if result.FailedTokenIDs, err = d.ledger.FailedTokenIDs(ctx, n.ID, epoch); err != nil {
		return nil, fmt.Errorf("finish notification %d: %w", n.ID, err)
	}
	if result.InvalidTokenIDs, err = d.ledger.InvalidTokenIDs(ctx, n.ID, epoch); err != nil {
		return nil, fmt.Errorf("finish notification %d: %w", n.ID, err)
	}

	result.Status = TerminalStatus(tally, n.SentAt != nil)

	now := d.now().UTC()
	var sentAt *time.Time
	if tally.Sent > 0 {
		sentAt = &now
	}
	if err := d.notifications.FinishSending(ctx, n.ID, epoch, result.Status, sentAt, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("finish notification %d: claim lost: %w", n.ID, ErrSendInProgress)
		}
		return nil, fmt.Errorf("finish notification %d: %w", n.ID, err)
	}

	d.logger.Info("notification send finished",
		"notification_id", n.ID, "epoch", epoch, "status", result.Status,
		"sent", result.Sent, "failed", result.Failed, "invalid", result.Invalid,
		"rejected", result.Rejected, "timed_out", result.TimedOut)

	if d.observer != nil {
		final := *n
		final.Status = result.Status
		final.AttemptEpoch = epoch
		if final.SentAt == nil {
			final.SentAt = sentAt
		}
		d.observer.SendFinished(ctx, final, result)
	}
	return result, nil
}

// TerminalStatus derives the notification status from an epoch's tally.
// delivered reports whether an earlier epoch already reached someone.
func TerminalStatus(t model.DeliveryTally, delivered bool) model.NotificationStatus {
	switch {
	case t.Sent == 0 && !delivered:
		return model.StatusFailed
	case t.Failed() > 0 || t.Sent == 0:
		return model.StatusPartialFailure
	default:
		return model.StatusSent
	}
}

// RecoverStale finishes every send whose claim has gone stale and returns how
// many were recovered.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int, error) {
	stale, err := d.notifications.ListStaleSending(ctx, d.now().UTC().Add(-d.cfg.SendLease))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, n := range stale {
		if _, err := d.Recover(ctx, n.ID); err != nil {
			if !errors.Is(err, ErrSendInProgress) {
				d.logger.Error("recover stale send", "notification_id", n.ID, "error", err)
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}
