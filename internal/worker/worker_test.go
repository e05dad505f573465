package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/restoration"
	"photo-restore-backend/internal/worker"
)

type counters struct {
	dispatches atomic.Int32
	polls      atomic.Int32
	sweeps     atomic.Int32
	flushes    atomic.Int32
	failPoll   bool
}

func (c *counters) DispatchPending(ctx context.Context) (restoration.DispatchResult, error) {
	c.dispatches.Add(1)
	return restoration.DispatchResult{Claimed: 1, Submitted: 1}, nil
}

func (c *counters) PollActive(ctx context.Context) (restoration.PollResult, error) {
	c.polls.Add(1)
	if c.failPoll {
		return restoration.PollResult{}, errors.New("store down")
	}
	return restoration.PollResult{Checked: 1}, nil
}

func (c *counters) SweepOrders(ctx context.Context) (int, error) {
	c.sweeps.Add(1)
	return 0, nil
}

func (c *counters) Flush(ctx context.Context) (outbox.FlushResult, error) {
	c.flushes.Add(1)
	return outbox.FlushResult{}, nil
}

func TestService_RunsEveryLoopUntilStopped(t *testing.T) {
	c := &counters{}
	svc := worker.New(c, c, c, worker.Intervals{
		Dispatch: 5 * time.Millisecond,
		Poll:     5 * time.Millisecond,
		Outbox:   5 * time.Millisecond,
	})

	svc.Start(context.Background())
	assert.Eventually(t, func() bool {
		return c.dispatches.Load() >= 2 && c.polls.Load() >= 2 && c.flushes.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	svc.Stop()

	dispatches := c.dispatches.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dispatches, c.dispatches.Load())
	assert.GreaterOrEqual(t, c.sweeps.Load(), int32(1))
}

func TestService_NothingRunsBeforeStart(t *testing.T) {
	c := &counters{}
	svc := worker.New(c, c, c, worker.Intervals{Dispatch: time.Millisecond, Poll: time.Millisecond, Outbox: time.Millisecond})

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, c.dispatches.Load())

	// Stop without Start is harmless.
	svc.Stop()
}

func TestService_PollErrorStillSweeps(t *testing.T) {
	c := &counters{failPoll: true}
	svc := worker.New(c, c, c, worker.Intervals{Dispatch: time.Hour, Poll: 5 * time.Millisecond, Outbox: time.Hour})

	svc.Start(context.Background())
	assert.Eventually(t, func() bool { return c.sweeps.Load() >= 1 }, time.Second, 5*time.Millisecond)
	svc.Stop()
}

func TestService_StopsWithParentContext(t *testing.T) {
	c := &counters{}
	svc := worker.New(c, c, c, worker.Intervals{Dispatch: 5 * time.Millisecond, Poll: time.Hour, Outbox: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	svc.Start(ctx)
	assert.Eventually(t, func() bool { return c.dispatches.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	svc.Stop()

	// Each loop runs one pass immediately on start; the second Start was a no-op.
	assert.Equal(t, int32(1), c.flushes.Load())
}
