// Package scheduler runs the periodic work: due scheduled sends, recovery of
// sends whose worker died, and device token pruning.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/glowcore/internal/devices"
)

// Sender is the part of fanout.Dispatcher the scheduler drives.
type Sender interface {
	SendDue(ctx context.Context) (int, error)
	RecoverStale(ctx context.Context) (int, error)
}

// Pruner is the part of devices.Registry the scheduler drives.
type Pruner interface {
	Prune(ctx context.Context) (*devices.PruneResult, error)
}

// Cleaner is anything with expired in-memory state to drop, such as a rate
// limiter.
type Cleaner interface {
	Cleanup()
}

type Scheduler struct {
	mu            sync.RWMutex
	sender        Sender
	pruner        Pruner
	cleaners      []Cleaner
	interval      time.Duration
	pruneInterval time.Duration
	logger        *slog.Logger
	cancel        context.CancelFunc
	done          chan struct{}
}

func New(sender Sender, pruner Pruner, interval, pruneInterval time.Duration, logger *slog.Logger, cleaners ...Cleaner) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if pruneInterval <= 0 {
		pruneInterval = 6 * time.Hour
	}
	return &Scheduler{
		sender:        sender,
		pruner:        pruner,
		cleaners:      cleaners,
		interval:      interval,
		pruneInterval: pruneInterval,
		logger:        logger,
	}
}

// Start runs the loops until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		pruneTicker := time.NewTicker(s.pruneInterval)
		defer pruneTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			case <-pruneTicker.C:
				s.Prune(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick recovers stale sends first so a due notification that was claimed by a
// dead worker is finished rather than skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if n, err := s.sender.RecoverStale(ctx); err != nil {
		s.logger.Error("recover stale sends", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered stale sends", "count", n)
	}

	if n, err := s.sender.SendDue(ctx); err != nil {
		s.logger.Error("send due notifications", "error", err)
	} else if n > 0 {
		s.logger.Info("sent scheduled notifications", "count", n)
	}
}

func (s *Scheduler) Prune(ctx context.Context) {
	res, err := s.pruner.Prune(ctx)
	if err != nil {
		s.logger.Error("prune device tokens", "error", err)
	} else if res.Deleted > 0 {
		s.logger.Info("pruned device tokens", "deleted", res.Deleted, "groups", res.Groups)
	}
	for _, c := range s.cleaners {
		c.Cleanup()
	}
}
