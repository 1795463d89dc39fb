// Package notify is the best-effort call alert boundary. Delivery mechanics
// (push, local notifications) live outside this module; signaling progress
// must never block on, or fail because of, a notification.
package notify

import (
	"log/slog"

	"github.com/fenwicklabs/dialtone/internal/call"
)

type Dispatcher interface {
	// IncomingCall alerts the receiver about a ringing call. Fire-and-forget.
	IncomingCall(rec call.Record)
	// CallEnded tells the platform the call is over so any surfaced alert can
	// be withdrawn. Fire-and-forget.
	CallEnded(callID string)
}

// LogDispatcher is the default Dispatcher: it only records the alert. Real
// deployments wrap a push provider behind the same interface.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d LogDispatcher) IncomingCall(rec call.Record) {
	d.logger().Info("notify incoming call",
		"call_id", rec.ID,
		"caller_id", rec.CallerID,
		"media_type", rec.MediaType,
	)
}

func (d LogDispatcher) CallEnded(callID string) {
	d.logger().Info("notify call ended", "call_id", callID)
}

// Async decouples a Dispatcher from the signaling path entirely: each alert
// runs on its own goroutine and panics are swallowed, so a broken provider
// cannot stall or crash call teardown.
type Async struct {
	Next   Dispatcher
	Logger *slog.Logger
}

func (a Async) IncomingCall(rec call.Record) {
	go a.guard(func() { a.Next.IncomingCall(rec) })
}

func (a Async) CallEnded(callID string) {
	go a.guard(func() { a.Next.CallEnded(callID) })
}

func (a Async) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger := a.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("notification dispatch panicked", "panic", r)
		}
	}()
	fn()
}
