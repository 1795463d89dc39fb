// Package store defines the shared signaling store: the only channel through
// which two peers on a call can reach each other.
//
// Implementations must provide three consistency properties, which the
// coordinator and listener layers depend on:
//
//   - at-least-once event delivery: a subscriber may see the same mutation
//     more than once, but never zero times while subscribed;
//   - per-record write ordering: mutations of a single record are delivered
//     to a given subscriber in the order they were committed;
//   - conditional update: Update succeeds only when the record's current
//     status matches the caller-supplied expectation, atomically.
//
// There is no bound on cross-record delivery latency and no ordering between
// events of different records. Everything above this package is written
// defensively against duplicate and late delivery.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
)

var (
	// ErrUnavailable marks transient backend failures. The listener layer
	// absorbs these through redundancy; callers may retry.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrConflict is returned by Update when the record's current status does
	// not match the expected status. Concurrent writers (receiver answering
	// while the caller hangs up) race through this guard; exactly one wins.
	ErrConflict = errors.New("store: conflict")
	ErrNotFound = errors.New("store: not found")
)

type EventKind string

const (
	EventAdded    EventKind = "added"
	EventModified EventKind = "modified"
)

// Event is one observed call record mutation.
type Event struct {
	Kind   EventKind
	Record call.Record
}

// Filter selects which call records a subscription observes. Zero-value
// fields match everything; implementations may serve a broad filter with a
// full scan, which is exactly what the listener manager's backup path wants.
type Filter struct {
	ReceiverID string
	CallerID   string
	CallID     string
	Statuses   []call.Status
}

func (f Filter) Matches(r call.Record) bool {
	if f.ReceiverID != "" && r.ReceiverID != f.ReceiverID {
		return false
	}
	if f.CallerID != "" && r.CallerID != f.CallerID {
		return false
	}
	if f.CallID != "" && r.ID != f.CallID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Fields is the set of mutations Update may apply. Nil fields are left
// untouched. Status is required; it is the transition target the expected
// status guards.
type Fields struct {
	Status    call.Status
	Answer    *call.SessionDescription
	EndReason call.EndReason
	EndedAt   *time.Time
}

// UnsubscribeFunc tears down a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is the persistence/transport abstraction for call signaling.
type Store interface {
	// Create persists a new call record. The record must satisfy
	// call.Record.Validate.
	Create(ctx context.Context, rec call.Record) error

	// Get reads the current state of a call record.
	Get(ctx context.Context, callID string) (call.Record, error)

	// Update applies fields to the record iff its current status equals
	// expected. Returns ErrConflict otherwise. The caller decides whether a
	// conflict is an error or a tolerated lost race.
	Update(ctx context.Context, callID string, fields Fields, expected call.Status) error

	// AppendCandidate appends an immutable ICE candidate record.
	AppendCandidate(ctx context.Context, cand call.CandidateRecord) error

	// Subscribe delivers add/modify events for records matching filter until
	// the returned unsubscribe is called or ctx is done. Delivery is
	// at-least-once and ordered per record.
	Subscribe(ctx context.Context, filter Filter, fn func(Event)) (UnsubscribeFunc, error)

	// SubscribeCandidates delivers candidate records for callID from origin,
	// starting after sinceCursor (0 means from the beginning), in append
	// order.
	SubscribeCandidates(ctx context.Context, callID string, origin call.Origin, sinceCursor int, fn func(call.CandidateRecord)) (UnsubscribeFunc, error)

	// UpsertPresence replaces the presence record for p.UserID.
	UpsertPresence(ctx context.Context, p call.Presence) error

	// GetPresence reads a user's presence record.
	GetPresence(ctx context.Context, userID string) (call.Presence, error)
}
