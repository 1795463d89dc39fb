// Package memstore is an in-memory implementation of the signaling store.
//
// It is the reference backend for tests and single-process loopback runs,
// and the storage behind the storebridge service. Delivery is asynchronous
// per subscriber through an ordered queue, so callbacks observe the same
// ordering guarantees (per-record order, no cross-record order) as a real
// distributed backend.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/store"
)

type Store struct {
	mu         sync.Mutex
	records    map[string]call.Record
	candidates map[string][]call.CandidateRecord
	presence   map[string]call.Presence

	recordSubs map[*recordSub]struct{}
	candSubs   map[*candidateSub]struct{}

	closed bool
}

func New() *Store {
	return &Store{
		records:    make(map[string]call.Record),
		candidates: make(map[string][]call.CandidateRecord),
		presence:   make(map[string]call.Presence),
		recordSubs: make(map[*recordSub]struct{}),
		candSubs:   make(map[*candidateSub]struct{}),
	}
}

// Close tears down all subscriptions. Subsequent operations fail with
// store.ErrUnavailable.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*recordSub, 0, len(s.recordSubs))
	for sub := range s.recordSubs {
		subs = append(subs, sub)
	}
	csubs := make([]*candidateSub, 0, len(s.candSubs))
	for sub := range s.candSubs {
		csubs = append(csubs, sub)
	}
	s.recordSubs = make(map[*recordSub]struct{})
	s.candSubs = make(map[*candidateSub]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range csubs {
		sub.stop()
	}
}

func (s *Store) Create(ctx context.Context, rec call.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrUnavailable
	}
	if _, ok := s.records[rec.ID]; ok {
		s.mu.Unlock()
		return store.ErrConflict
	}
	s.records[rec.ID] = rec
	// Enqueue under the store lock so delivery order matches commit order;
	// enqueue never blocks, it only appends to the subscriber's queue.
	for _, sub := range s.matchingRecordSubsLocked(rec) {
		sub.enqueue(store.Event{Kind: store.EventAdded, Record: rec})
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, callID string) (call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return call.Record{}, store.ErrUnavailable
	}
	rec, ok := s.records[callID]
	if !ok {
		return call.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, callID string, fields store.Fields, expected call.Status) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrUnavailable
	}
	rec, ok := s.records[callID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if rec.Status != expected {
		s.mu.Unlock()
		return store.ErrConflict
	}
	rec.Status = fields.Status
	if fields.Answer != nil {
		rec.Answer = fields.Answer
	}
	if fields.EndReason != "" {
		rec.EndReason = fields.EndReason
	}
	if fields.EndedAt != nil {
		t := *fields.EndedAt
		rec.EndedAt = &t
	}
	s.records[callID] = rec
	for _, sub := range s.matchingRecordSubsLocked(rec) {
		sub.enqueue(store.Event{Kind: store.EventModified, Record: rec})
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendCandidate(ctx context.Context, cand call.CandidateRecord) error {
	if cand.Timestamp.IsZero() {
		cand.Timestamp = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrUnavailable
	}
	s.candidates[cand.CallID] = append(s.candidates[cand.CallID], cand)
	for sub := range s.candSubs {
		if sub.callID == cand.CallID && sub.origin == cand.Origin {
			sub.enqueue(cand)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Subscribe(ctx context.Context, filter store.Filter, fn func(store.Event)) (store.UnsubscribeFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrUnavailable
	}
	sub := newRecordSub(filter, fn, func(sub *recordSub) {
		s.mu.Lock()
		delete(s.recordSubs, sub)
		s.mu.Unlock()
	})
	s.recordSubs[sub] = struct{}{}

	// Replay current matches so late subscribers still observe ringing calls
	// created before they attached (at-least-once, not exactly-the-future).
	initial := make([]call.Record, 0)
	for _, rec := range s.records {
		if filter.Matches(rec) {
			initial = append(initial, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(initial, func(i, j int) bool { return initial[i].CreatedAt.Before(initial[j].CreatedAt) })
	for _, rec := range initial {
		sub.enqueue(store.Event{Kind: store.EventAdded, Record: rec})
	}

	stop := context.AfterFunc(ctx, sub.stop)
	return func() {
		stop()
		sub.stop()
	}, nil
}

func (s *Store) SubscribeCandidates(ctx context.Context, callID string, origin call.Origin, sinceCursor int, fn func(call.CandidateRecord)) (store.UnsubscribeFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrUnavailable
	}
	sub := newCandidateSub(callID, origin, fn, func(sub *candidateSub) {
		s.mu.Lock()
		delete(s.candSubs, sub)
		s.mu.Unlock()
	})
	s.candSubs[sub] = struct{}{}

	var replay []call.CandidateRecord
	seen := 0
	for _, cand := range s.candidates[callID] {
		if cand.Origin != origin {
			continue
		}
		seen++
		if seen > sinceCursor {
			replay = append(replay, cand)
		}
	}
	s.mu.Unlock()

	for _, cand := range replay {
		sub.enqueue(cand)
	}

	stop := context.AfterFunc(ctx, sub.stop)
	return func() {
		stop()
		sub.stop()
	}, nil
}

func (s *Store) UpsertPresence(ctx context.Context, p call.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	s.presence[p.UserID] = p
	return nil
}

func (s *Store) GetPresence(ctx context.Context, userID string) (call.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return call.Presence{}, store.ErrUnavailable
	}
	p, ok := s.presence[userID]
	if !ok {
		return call.Presence{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) matchingRecordSubsLocked(rec call.Record) []*recordSub {
	var subs []*recordSub
	for sub := range s.recordSubs {
		if sub.filter.Matches(rec) {
			subs = append(subs, sub)
		}
	}
	return subs
}
