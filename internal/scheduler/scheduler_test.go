package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dukerupert/glowcore/internal/devices"
	"github.com/dukerupert/glowcore/internal/logging"
)

type fakeSender struct {
	due     atomic.Int32
	recover atomic.Int32
	order   []string
	failDue bool
}

func (f *fakeSender) SendDue(context.Context) (int, error) {
	f.due.Add(1)
	f.order = append(f.order, "due")
	if f.failDue {
		return 0, errors.New("db down")
	}
	return 1, nil
}

func (f *fakeSender) RecoverStale(context.Context) (int, error) {
	f.recover.Add(1)
	f.order = append(f.order, "recover")
	return 0, nil
}

type fakePruner struct{ calls atomic.Int32 }

func (f *fakePruner) Prune(context.Context) (*devices.PruneResult, error) {
	f.calls.Add(1)
	return &devices.PruneResult{Deleted: 2, Groups: 1}, nil
}

type fakeCleaner struct{ calls atomic.Int32 }

func (f *fakeCleaner) Cleanup() { f.calls.Add(1) }

func TestTickRecoversBeforeSending(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, &fakePruner{}, time.Minute, time.Hour, logging.Discard())

	s.Tick(context.Background())
	assert.Equal(t, []string{"recover", "due"}, sender.order)
}

func TestTickSurvivesErrors(t *testing.T) {
	sender := &fakeSender{failDue: true}
	s := New(sender, &fakePruner{}, time.Minute, time.Hour, logging.Discard())

	s.Tick(context.Background())
	s.Tick(context.Background())
	assert.Equal(t, int32(2), sender.due.Load())
}

func TestPruneRunsCleaners(t *testing.T) {
	pruner := &fakePruner{}
	cleaner := &fakeCleaner{}
	s := New(&fakeSender{}, pruner, time.Minute, time.Hour, logging.Discard(), cleaner)

	s.Prune(context.Background())
	assert.Equal(t, int32(1), pruner.calls.Load())
	assert.Equal(t, int32(1), cleaner.calls.Load())
}

func TestStartStop(t *testing.T) {
	sender := &fakeSender{}
	pruner := &fakePruner{}
	s := New(sender, pruner, 5*time.Millisecond, 5*time.Millisecond, logging.Discard())

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		return sender.due.Load() >= 2 && pruner.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	after := sender.due.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, sender.due.Load())
}

func TestStopWithoutStart(t *testing.T) {
	s := New(&fakeSender{}, &fakePruner{}, time.Minute, time.Hour, logging.Discard())
	s.Stop()
}
