// Package assistant answers prompts with the AI provider, drawing keys from
// the rotation pool and rotating past keys that are rate limited or broken.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukerupert/glowcore/internal/ai"
	"github.com/dukerupert/glowcore/internal/keypool"
)

var ErrEmptyPrompt = errors.New("prompt is empty")

// Pool is the part of keypool.Pool the assistant needs.
type Pool interface {
	Acquire(ctx context.Context, workload string) (*keypool.Handle, error)
	Release(ctx context.Context, h *keypool.Handle, outcome keypool.Outcome) (*keypool.ReleaseResult, error)
}

// Reply is a completed answer and the key that produced it.
type Reply struct {
	Text     string `json:"text"`
	KeyID    int64  `json:"key_id"`
	Attempts int    `json:"attempts"`
}

type Responder struct {
	pool        Pool
	completer   ai.Completer
	maxAttempts int
	logger      *slog.Logger
}

func New(pool Pool, completer ai.Completer, maxAttempts int, logger *slog.Logger) *Responder {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Responder{pool: pool, completer: completer, maxAttempts: maxAttempts, logger: logger}
}

// Complete runs prompt under workload. Quota, transient and key failures move
// on to another key up to maxAttempts; keypool.ErrPoolExhausted is returned
// as soon as no key is free.
func (r *Responder) Complete(ctx context.Context, workload, prompt string) (*Reply, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if workload == "" {
		workload = "assistant"
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		h, err := r.pool.Acquire(ctx, workload)
		if err != nil {
			if lastErr != nil && errors.Is(err, keypool.ErrPoolExhausted) {
				return nil, fmt.Errorf("%w after %d attempts: %v", keypool.ErrPoolExhausted, attempt-1, lastErr)
			}
			return nil, err
		}

		text, callErr := r.completer.Complete(ctx, prompt, h.Secret)
		callErr = ai.Classify(callErr)
		outcome := outcomeFor(callErr)

		if _, err := r.pool.Release(ctx, h, outcome); err != nil {
			r.logger.Error("release api key", "key_id", h.Key.ID, "error", err)
		}

		if callErr == nil {
			return &Reply{Text: text, KeyID: h.Key.ID, Attempts: attempt}, nil
		}
		if errors.Is(callErr, ai.ErrBlocked) {
			return nil, callErr
		}

		r.logger.Warn("ai call failed, rotating key",
			"key_id", h.Key.ID, "workload", workload, "attempt", attempt, "outcome", outcome.String(), "error", callErr)
		lastErr = callErr
	}
	return nil, fmt.Errorf("complete prompt after %d attempts: %w", r.maxAttempts, lastErr)
}

func outcomeFor(err error) keypool.Outcome {
	switch {
	case err == nil, errors.Is(err, ai.ErrBlocked):
		return keypool.OutcomeSuccess
	case errors.Is(err, ai.ErrQuotaExceeded):
		return keypool.OutcomeQuotaExceeded
	case errors.Is(err, ai.ErrPermanent):
		return keypool.OutcomePermanentFailure
	default:
		return keypool.OutcomeTransientFailure
	}
}
