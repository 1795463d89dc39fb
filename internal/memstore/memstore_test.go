package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/store"
)

func newRecord(id, caller, receiver string) call.Record {
	return call.Record{
		ID:         id,
		CallerID:   caller,
		ReceiverID: receiver,
		MediaType:  call.MediaAudio,
		Status:     call.StatusRinging,
		Offer:      &call.SessionDescription{Type: call.SDPTypeOffer, SDP: "v=0"},
		CreatedAt:  time.Now(),
	}
}

func recvEvent(t *testing.T, ch <-chan store.Event) store.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return store.Event{}
	}
}

func recvCandidate(t *testing.T, ch <-chan call.CandidateRecord) call.CandidateRecord {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for candidate")
		return call.CandidateRecord{}
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("c1", "alice", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newRecord("c1", "alice", "bob")); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate create: got %v, want ErrConflict", err)
	}
}

func TestConditionalUpdate(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("c1", "alice", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}

	answer := call.SessionDescription{Type: call.SDPTypeAnswer, SDP: "v=0"}
	err := s.Update(ctx, "c1", store.Fields{Status: call.StatusAnswered, Answer: &answer}, call.StatusRinging)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// The guard no longer matches; a second writer expecting ringing loses.
	err = s.Update(ctx, "c1", store.Fields{Status: call.StatusEnded}, call.StatusRinging)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale update: got %v, want ErrConflict", err)
	}

	rec, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != call.StatusAnswered {
		t.Fatalf("status = %q, want answered", rec.Status)
	}
	if rec.Answer == nil || rec.Answer.SDP != "v=0" {
		t.Fatalf("answer not persisted: %+v", rec.Answer)
	}

	if err := s.Update(ctx, "missing", store.Fields{Status: call.StatusEnded}, call.StatusRinging); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update missing: got %v, want ErrNotFound", err)
	}
}

func TestSubscribeReplaysAndDeliversInOrder(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("c1", "alice", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}

	events := make(chan store.Event, 16)
	unsub, err := s.Subscribe(ctx, store.Filter{CallID: "c1"}, func(ev store.Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	// Replay of pre-existing state.
	ev := recvEvent(t, events)
	if ev.Kind != store.EventAdded || ev.Record.Status != call.StatusRinging {
		t.Fatalf("replay event = %+v", ev)
	}

	for _, s2 := range []call.Status{call.StatusAnswered, call.StatusConnecting, call.StatusConnected} {
		prev := ev.Record.Status
		if err := s.Update(ctx, "c1", store.Fields{Status: s2}, prev); err != nil {
			t.Fatalf("update to %s: %v", s2, err)
		}
		ev = recvEvent(t, events)
		if ev.Record.Status != s2 {
			t.Fatalf("event status = %q, want %q (per-record order violated)", ev.Record.Status, s2)
		}
	}
}

func TestSubscribeFilter(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	events := make(chan store.Event, 16)
	unsub, err := s.Subscribe(ctx, store.Filter{
		ReceiverID: "bob",
		Statuses:   []call.Status{call.StatusRinging},
	}, func(ev store.Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	// Addressed to someone else: never delivered.
	if err := s.Create(ctx, newRecord("other", "alice", "carol")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newRecord("mine", "alice", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}

	ev := recvEvent(t, events)
	if ev.Record.ID != "mine" {
		t.Fatalf("got event for %q, want mine", ev.Record.ID)
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeCandidatesCursor(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	push := func(id string, origin call.Origin) {
		t.Helper()
		err := s.AppendCandidate(ctx, call.CandidateRecord{
			ID:        id,
			CallID:    "c1",
			Origin:    origin,
			Candidate: call.ICECandidate{Candidate: "candidate:" + id},
		})
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	push("a", call.OriginCaller)
	push("b", call.OriginCaller)
	push("x", call.OriginCallee)
	push("c", call.OriginCaller)

	got := make(chan call.CandidateRecord, 16)
	unsub, err := s.SubscribeCandidates(ctx, "c1", call.OriginCaller, 1, func(c call.CandidateRecord) {
		got <- c
	})
	if err != nil {
		t.Fatalf("subscribe candidates: %v", err)
	}
	defer unsub()

	// Cursor 1 skips "a"; callee-origin "x" is not in this feed.
	if c := recvCandidate(t, got); c.ID != "b" {
		t.Fatalf("first replayed candidate = %q, want b", c.ID)
	}
	if c := recvCandidate(t, got); c.ID != "c" {
		t.Fatalf("second replayed candidate = %q, want c", c.ID)
	}

	push("d", call.OriginCaller)
	if c := recvCandidate(t, got); c.ID != "d" {
		t.Fatalf("live candidate = %q, want d", c.ID)
	}
}

func TestConcurrentAppendsDeliverInCommitOrder(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	live := make(chan call.CandidateRecord, writers*perWriter)
	unsub, err := s.SubscribeCandidates(ctx, "c1", call.OriginCaller, 0, func(c call.CandidateRecord) {
		live <- c
	})
	if err != nil {
		t.Fatalf("subscribe candidates: %v", err)
	}
	defer unsub()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := s.AppendCandidate(ctx, call.CandidateRecord{
					ID:        fmt.Sprintf("w%d-%d", w, i),
					CallID:    "c1",
					Origin:    call.OriginCaller,
					Candidate: call.ICECandidate{Candidate: "candidate:x"},
				})
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	var delivered []string
	for i := 0; i < writers*perWriter; i++ {
		delivered = append(delivered, recvCandidate(t, live).ID)
	}

	// A fresh subscription replays the log in committed order; the live feed
	// must have observed the same interleaving.
	replayed := make([]string, 0, writers*perWriter)
	done := make(chan struct{})
	unsub2, err := s.SubscribeCandidates(ctx, "c1", call.OriginCaller, 0, func(c call.CandidateRecord) {
		replayed = append(replayed, c.ID)
		if len(replayed) == writers*perWriter {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("subscribe for replay: %v", err)
	}
	defer unsub2()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("replay incomplete: got %d of %d", len(replayed), writers*perWriter)
	}

	for i := range replayed {
		if delivered[i] != replayed[i] {
			t.Fatalf("delivery order diverged from commit order at %d: live %q, committed %q", i, delivered[i], replayed[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	events := make(chan store.Event, 16)
	unsub, err := s.Subscribe(ctx, store.Filter{}, func(ev store.Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub()

	if err := s.Create(ctx, newRecord("c1", "alice", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("event after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPresence(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.GetPresence(ctx, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get missing presence: got %v, want ErrNotFound", err)
	}

	p := call.Presence{UserID: "bob", Online: true, LastSeen: time.Now(), IncomingCallPointer: "c1"}
	if err := s.UpsertPresence(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetPresence(ctx, "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Online || got.IncomingCallPointer != "c1" {
		t.Fatalf("presence = %+v", got)
	}
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := New()
	s.Close()
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("c1", "alice", "bob")); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("create on closed store: got %v, want ErrUnavailable", err)
	}
	if _, err := s.Subscribe(ctx, store.Filter{}, func(store.Event) {}); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("subscribe on closed store: got %v, want ErrUnavailable", err)
	}
}
