// Package worker runs the periodic dispatch, poll and outbox loops.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"photo-restore-backend/internal/outbox"
	"photo-restore-backend/internal/restoration"
)

type Dispatcher interface {
	DispatchPending(ctx context.Context) (restoration.DispatchResult, error)
}

type Poller interface {
	PollActive(ctx context.Context) (restoration.PollResult, error)
	SweepOrders(ctx context.Context) (int, error)
}

type Flusher interface {
	Flush(ctx context.Context) (outbox.FlushResult, error)
}

type Intervals struct {
	Dispatch time.Duration
	Poll     time.Duration
	Outbox   time.Duration
}

// Service owns the background loops. It does nothing until Start is called.
type Service struct {
	dispatcher Dispatcher
	poller     Poller
	flusher    Flusher
	intervals  Intervals

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(dispatcher Dispatcher, poller Poller, flusher Flusher, intervals Intervals) *Service {
	if intervals.Dispatch <= 0 {
		intervals.Dispatch = 10 * time.Second
	}
	if intervals.Poll <= 0 {
		intervals.Poll = 30 * time.Second
	}
	if intervals.Outbox <= 0 {
		intervals.Outbox = 15 * time.Second
	}
	return &Service{
		dispatcher: dispatcher,
		poller:     poller,
		flusher:    flusher,
		intervals:  intervals,
	}
}

// Start launches one goroutine per loop. Calling Start on a running service is
// a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.loop(ctx, "dispatch", s.intervals.Dispatch, s.dispatch)
	s.loop(ctx, "poll", s.intervals.Poll, s.poll)
	s.loop(ctx, "outbox", s.intervals.Outbox, s.flush)

	slog.Info("workers started",
		"dispatch_interval", s.intervals.Dispatch,
		"poll_interval", s.intervals.Poll,
		"outbox_interval", s.intervals.Outbox,
	)
}

// Stop cancels the loops and waits for the in-flight pass of each to return.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	slog.Info("workers stopped")
}

func (s *Service) loop(ctx context.Context, name string, every time.Duration, pass func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(every)
		defer ticker.Stop()

		pass(ctx)
		for {
			select {
			case <-ctx.Done():
				slog.Debug("worker loop exiting", "loop", name)
				return
			case <-ticker.C:
				pass(ctx)
			}
		}
	}()
}

func (s *Service) dispatch(ctx context.Context) {
	result, err := s.dispatcher.DispatchPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("dispatch pass failed", "error", err)
		}
		return
	}
	if result.Claimed > 0 {
		slog.Info("dispatch pass",
			"claimed", result.Claimed,
			"submitted", result.Submitted,
			"rescheduled", result.Rescheduled,
			"failed", result.Failed,
		)
	}
}

func (s *Service) poll(ctx context.Context) {
	result, err := s.poller.PollActive(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Error("poll pass failed", "error", err)
	}
	if result.Changed > 0 || result.Errors > 0 {
		slog.Info("poll pass",
			"checked", result.Checked,
			"changed", result.Changed,
			"reclaimed", result.Reclaimed,
			"errors", result.Errors,
		)
	}

	if ctx.Err() != nil {
		return
	}
	finished, err := s.poller.SweepOrders(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("order sweep failed", "error", err)
		}
		return
	}
	if finished > 0 {
		slog.Info("order sweep", "finished", finished)
	}
}

func (s *Service) flush(ctx context.Context) {
	result, err := s.flusher.Flush(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("outbox flush failed", "error", err)
		}
		return
	}
	if result.Claimed > 0 || result.Released > 0 {
		slog.Info("outbox flush",
			"released", result.Released,
			"claimed", result.Claimed,
			"sent", result.Sent,
			"unconfirmed", result.Unconfirmed,
			"rescheduled", result.Rescheduled,
			"failed", result.Failed,
		)
	}
}
