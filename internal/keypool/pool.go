// Package keypool rotates a pool of interchangeable third-party API keys.
//
// All coordination goes through conditional updates on the api_keys table, so
// any number of processes may share one pool. A key is handed to one holder at
// a time: Acquire takes a lease with a compare-and-swap on usage_count, and
// Release gives it back with the outcome of the call the key was used for.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/glowcore/internal/model"
	"github.com/dukerupert/glowcore/internal/store"
)

var (
	// ErrPoolExhausted means no active key is free right now. Callers should
	// queue or degrade.
	ErrPoolExhausted = errors.New("api key pool exhausted")

	ErrAlreadyReleased = errors.New("api key handle already released")
	ErrKeyNotFound     = errors.New("api key not found")
	ErrInvalidKey      = errors.New("invalid api key")
)

// Outcome is what happened to the call the key was used for.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeQuotaExceeded
	OutcomePermanentFailure
	OutcomeTransientFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeQuotaExceeded:
		return "quota_exceeded"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeTransientFailure:
		return "transient_failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// SecretOpener turns a stored secret back into the usable credential.
type SecretOpener interface {
	Open(stored string) (string, error)
}

// SecretSealer is the write side of SecretOpener.
type SecretSealer interface {
	SecretOpener
	Seal(plaintext string) (string, error)
}

// Observer is told when the pool takes a key out of rotation.
type Observer interface {
	KeyDeactivated(ctx context.Context, key model.APIKey, reason string)
}

// Observers fans out to several observers.
type Observers []Observer

func (obs Observers) KeyDeactivated(ctx context.Context, key model.APIKey, reason string) {
	for _, o := range obs {
		o.KeyDeactivated(ctx, key, reason)
	}
}

type Config struct {
	CooldownBase     time.Duration
	CooldownMax      time.Duration
	JitterPercent    uint64
	LeaseTTL         time.Duration
	DeactivateAfter  int
	MaxClaimAttempts int
}

func (c Config) withDefaults() Config {
	if c.CooldownBase <= 0 {
		c.CooldownBase = 30 * time.Second
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = time.Hour
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.DeactivateAfter <= 0 {
		c.DeactivateAfter = 3
	}
	if c.MaxClaimAttempts <= 0 {
		c.MaxClaimAttempts = 5
	}
	return c
}

// candidateWindow is how many ranked keys one selection pass reads.
const candidateWindow = 8

// maxBackoffSteps bounds the exponent; the cap is reached long before.
const maxBackoffSteps = 20

// Handle is a leased key. It must be released exactly once.
type Handle struct {
	Key      model.APIKey
	Secret   string
	Workload string

	leaseID    string
	acquiredAt time.Time
	released   bool
}

// ReleaseResult reports side effects of Release.
type ReleaseResult struct {
	Deactivated   bool
	CooldownUntil *time.Time
	// LeaseLost means the lease expired and the key moved on before Release;
	// the outcome was not recorded.
	LeaseLost bool
}

type Pool struct {
	keys     *store.APIKeyStore
	secrets  SecretSealer
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	// afterList runs between reading candidates and claiming. Tests use it to
	// make another writer win the race.
	afterList func()
}

func New(keys *store.APIKeyStore, secrets SecretSealer, cfg Config, observer Observer, logger *slog.Logger) *Pool {
	return &Pool{
		keys:     keys,
		secrets:  secrets,
		cfg:      cfg.withDefaults(),
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Acquire leases the least-used free key: lowest usage_count, then never
// used, then earliest last_used_at, then lowest id. When nothing qualifies it
// returns ErrPoolExhausted without touching any row. Losing every claim race
// within MaxClaimAttempts returns an error wrapping store.ErrConflict.
func (p *Pool) Acquire(ctx context.Context, workload string) (*Handle, error) {
	for attempt := 1; attempt <= p.cfg.MaxClaimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := p.now().UTC()
		candidates, err := p.keys.ListCandidates(ctx, now, candidateWindow)
		if err != nil {
			return nil, fmt.Errorf("acquire api key: %w", err)
		}
		if len(candidates) == 0 {
			return nil, ErrPoolExhausted
		}
		if p.afterList != nil {
			p.afterList()
		}

		for _, k := range candidates {
			leaseID := uuid.NewString()
			leasedUntil := now.Add(p.cfg.LeaseTTL)
			err := p.keys.Claim(ctx, k.ID, k.UsageCount, leaseID, leasedUntil, now)
			if errors.Is(err, store.ErrConflict) {
				// Someone claimed it between our read and write. Try the next
				// ranked key; they are all equally fresh.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("acquire api key: %w", err)
			}

			h := &Handle{
				Key:        k,
				Workload:   workload,
				leaseID:    leaseID,
				acquiredAt: now,
			}
			h.Key.UsageCount++
			h.Key.LeaseID = leaseID
			h.Key.LeasedUntil = &leasedUntil

			secret, err := p.secrets.Open(k.Secret)
			if err != nil {
				p.release(ctx, h, OutcomeTransientFailure)
				return nil, fmt.Errorf("open api key %d secret: %w", k.ID, err)
			}
			h.Secret = secret

			p.logger.Debug("api key acquired",
				"key_id", k.ID, "workload", workload, "usage_count", h.Key.UsageCount, "attempt", attempt)
			return h, nil
		}

		p.logger.Debug("api key claim conflict, re-reading", "workload", workload, "attempt", attempt)
	}
	return nil, fmt.Errorf("acquire api key after %d attempts: %w", p.cfg.MaxClaimAttempts, store.ErrConflict)
}

// Release gives the key back and records how the call went.
func (p *Pool) Release(ctx context.Context, h *Handle, outcome Outcome) (*ReleaseResult, error) {
	if h == nil {
		return nil, fmt.Errorf("release api key: nil handle")
	}
	if h.released {
		return nil, ErrAlreadyReleased
	}
	return p.release(ctx, h, outcome)
}

func (p *Pool) release(ctx context.Context, h *Handle, outcome Outcome) (*ReleaseResult, error) {
	h.released = true
	now := p.now().UTC()

	r := store.KeyRelease{
		LastUsedAt:        now,
		FailureStreak:     h.Key.FailureStreak,
		PermanentFailures: h.Key.PermanentFailures,
	}
	result := &ReleaseResult{}

	switch outcome {
	case OutcomeSuccess:
		r.FailureStreak = 0
		r.PermanentFailures = 0
	case OutcomeQuotaExceeded:
		r.FailureStreak++
		r.PermanentFailures = 0
		until := now.Add(p.Cooldown(r.FailureStreak))
		r.CooldownUntil = &until
		result.CooldownUntil = &until
	case OutcomePermanentFailure:
		r.PermanentFailures++
		if r.PermanentFailures >= p.cfg.DeactivateAfter {
			r.Deactivate = true
			r.Reason = fmt.Sprintf("%d consecutive permanent failures", r.PermanentFailures)
		}
	case OutcomeTransientFailure:
		// Leaves the streaks alone; the key stays in rotation.
	default:
		return nil, fmt.Errorf("release api key: unknown outcome %d", int(outcome))
	}

	// Context cancellation must not strand the lease until it expires.
	err := p.keys.Release(context.WithoutCancel(ctx), h.Key.ID, h.leaseID, r)
	if errors.Is(err, store.ErrLeaseLost) {
		p.logger.Warn("api key lease expired before release, outcome dropped",
			"key_id", h.Key.ID, "workload", h.Workload, "outcome", outcome.String(),
			"held", now.Sub(h.acquiredAt))
		return &ReleaseResult{LeaseLost: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("release api key: %w", err)
	}

	h.Key.LastUsedAt = &now
	h.Key.FailureStreak = r.FailureStreak
	h.Key.PermanentFailures = r.PermanentFailures
	h.Key.CooldownUntil = r.CooldownUntil
	h.Key.LeaseID = ""
	h.Key.LeasedUntil = nil

	p.logger.Debug("api key released",
		"key_id", h.Key.ID, "workload", h.Workload, "outcome", outcome.String(),
		"held", now.Sub(h.acquiredAt))

	if outcome == OutcomeQuotaExceeded {
		p.logger.Warn("api key cooling down",
			"key_id", h.Key.ID, "failure_streak", r.FailureStreak, "until", r.CooldownUntil)
	}
	if r.Deactivate {
		h.Key.Active = false
		h.Key.DeactivatedReason = r.Reason
		result.Deactivated = true
		p.logger.Error("api key deactivated", "key_id", h.Key.ID, "name", h.Key.Name, "reason", r.Reason)
		if p.observer != nil {
			p.observer.KeyDeactivated(ctx, h.Key, r.Reason)
		}
	}
	return result, nil
}

// Cooldown is the quota backoff after streak consecutive quota failures:
// CooldownBase doubled per step with jitter, capped at CooldownMax.
func (p *Pool) Cooldown(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	if streak > maxBackoffSteps {
		streak = maxBackoffSteps
	}
	b := retry.NewExponential(p.cfg.CooldownBase)
	if p.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.cfg.JitterPercent, b)
	}
	b = retry.WithCappedDuration(p.cfg.CooldownMax, b)

	var d time.Duration
	for i := 0; i < streak; i++ {
		d, _ = b.Next()
	}
	if d > p.cfg.CooldownMax {
		d = p.cfg.CooldownMax
	}
	return d
}

// Create adds a key to the pool with its secret sealed.
func (p *Pool) Create(ctx context.Context, name, secret, notes string) (*model.APIKey, error) {
	name = strings.TrimSpace(name)
	secret = strings.TrimSpace(secret)
	if name == "" || secret == "" {
		return nil, fmt.Errorf("%w: name and secret are required", ErrInvalidKey)
	}
	sealed, err := p.secrets.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("seal api key secret: %w", err)
	}
	k, err := p.keys.Create(ctx, name, sealed, notes, p.now())
	if err != nil {
		return nil, err
	}
	p.logger.Info("api key created", "key_id", k.ID, "name", k.Name)
	return k, nil
}

// List returns every key with its usage stats.
func (p *Pool) List(ctx context.Context) ([]model.APIKey, error) {
	return p.keys.List(ctx)
}

func (p *Pool) Get(ctx context.Context, id int64) (*model.APIKey, error) {
	k, err := p.keys.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// Deactivate takes a key out of rotation by operator request.
func (p *Pool) Deactivate(ctx context.Context, id int64, reason string) (*model.APIKey, error) {
	if reason == "" {
		reason = "deactivated by operator"
	}
	return p.setActive(ctx, id, false, reason)
}

// Activate puts a key back into rotation with a clean failure history.
func (p *Pool) Activate(ctx context.Context, id int64) (*model.APIKey, error) {
	return p.setActive(ctx, id, true, "")
}

func (p *Pool) setActive(ctx context.Context, id int64, active bool, reason string) (*model.APIKey, error) {
	ok, err := p.keys.SetActive(ctx, id, active, reason, p.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	p.logger.Info("api key active changed", "key_id", id, "active", active, "reason", reason)
	return p.Get(ctx, id)
}

// ResetUsage zeroes usage_count. It is the only way the count goes down.
func (p *Pool) ResetUsage(ctx context.Context, id int64) (*model.APIKey, error) {
	ok, err := p.keys.ResetUsage(ctx, id, p.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	p.logger.Info("api key usage reset", "key_id", id)
	return p.Get(ctx, id)
}

// RetryAfter estimates how long until some active key is usable again. It
// returns CooldownBase when no active key reports a cooldown or lease end.
func (p *Pool) RetryAfter(ctx context.Context) time.Duration {
	keys, err := p.keys.List(ctx)
	if err != nil {
		return p.cfg.CooldownBase
	}
	now := p.now().UTC()
	var soonest time.Duration
	for _, k := range keys {
		if !k.Active {
			continue
		}
		var until time.Time
		if k.CooldownUntil != nil && k.CooldownUntil.After(until) {
			until = *k.CooldownUntil
		}
		if k.LeasedUntil != nil && k.LeasedUntil.After(until) {
			until = *k.LeasedUntil
		}
		wait := until.Sub(now)
		if wait <= 0 {
			continue
		}
		if soonest == 0 || wait < soonest {
			soonest = wait
		}
	}
	if soonest == 0 {
		return p.cfg.CooldownBase
	}
	return soonest
}
