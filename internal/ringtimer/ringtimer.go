// Package ringtimer expires calls that are left ringing past a deadline.
//
// Timers are optimistic: scheduling happens when a ringing record is
// created, but a fired timer re-reads the record before acting, because the
// call may have progressed (or ended) between scheduling and firing. A stale
// timer is a no-op.
package ringtimer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/store"
)

type Supervisor struct {
	store    store.Store
	deadline time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer

	// afterFunc is swappable in tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

func New(st store.Store, deadline time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:     st,
		deadline:  deadline,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
		afterFunc: time.AfterFunc,
	}
}

// Watch schedules the ring deadline for callID. onExpire runs at most once
// per Watch, and only if the record is still ringing when the timer fires.
// Scheduling the same call id again replaces the previous timer, so two
// redundant schedules still produce at most one expiry.
func (s *Supervisor) Watch(callID string, onExpire func()) {
	s.mu.Lock()
	if prev, ok := s.timers[callID]; ok {
		prev.Stop()
	}
	s.timers[callID] = s.afterFunc(s.deadline, func() {
		s.fire(callID, onExpire)
	})
	s.mu.Unlock()
}

// Cancel stops the deadline timer for callID. Called on any transition out
// of ringing and on teardown.
func (s *Supervisor) Cancel(callID string) {
	s.mu.Lock()
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
	s.mu.Unlock()
}

// Close cancels all pending timers.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *Supervisor) fire(callID string, onExpire func()) {
	s.mu.Lock()
	_, live := s.timers[callID]
	delete(s.timers, callID)
	s.mu.Unlock()
	if !live {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.store.Get(ctx, callID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("ring timer revalidation failed", "call_id", callID, "err", err)
		}
		return
	}
	if rec.Status != call.StatusRinging {
		// Progressed while the timer was pending; stale fire.
		return
	}

	s.logger.Info("ring deadline reached", "call_id", callID)
	onExpire()
}
