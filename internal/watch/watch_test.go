package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/memstore"
	"github.com/fenwicklabs/dialtone/internal/metrics"
	"github.com/fenwicklabs/dialtone/internal/store"
)

type captureHandler struct {
	mu   sync.Mutex
	recs []call.Record
}

func (h *captureHandler) IncomingCall(rec call.Record) {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recs)
}

func (h *captureHandler) first() call.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recs) == 0 {
		return call.Record{}
	}
	return h.recs[0]
}

func ringingRecord(id, receiver string) call.Record {
	return call.Record{
		ID:         id,
		CallerID:   "alice",
		ReceiverID: receiver,
		MediaType:  call.MediaAudio,
		Status:     call.StatusRinging,
		Offer:      &call.SessionDescription{Type: call.SDPTypeOffer, SDP: "v=0"},
		CreatedAt:  time.Now(),
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// failingSubStore rejects subscription attach by query shape.
type failingSubStore struct {
	store.Store
	failPrimary bool
	failAll     bool
}

func (s *failingSubStore) Subscribe(ctx context.Context, f store.Filter, fn func(store.Event)) (store.UnsubscribeFunc, error) {
	if s.failAll || (s.failPrimary && f.ReceiverID != "") {
		return nil, store.ErrUnavailable
	}
	return s.Store.Subscribe(ctx, f, fn)
}

// deafStore accepts subscriptions but never delivers, leaving the presence
// poller as the only working detection path.
type deafStore struct {
	store.Store
}

func (s *deafStore) Subscribe(ctx context.Context, f store.Filter, fn func(store.Event)) (store.UnsubscribeFunc, error) {
	return func() {}, nil
}

func TestDetectionIsDeduplicatedAcrossPaths(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	h := &captureHandler{}
	mets := metrics.New()
	m := New(Config{SelfID: "bob", Store: st, Handler: h, Metrics: mets})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := st.Create(context.Background(), ringingRecord("c1", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Both the precise and the broad subscription observe the create; the
	// handler must fire once and the duplicate must be counted.
	waitFor(t, "duplicate suppression", func() bool {
		return h.count() == 1 && mets.Get(metrics.EventsDeduplicated) >= 1
	})
	if got := h.first(); got.ID != "c1" || got.CallerID != "alice" {
		t.Fatalf("detected record = %+v", got)
	}
}

func TestIgnoresOtherReceiversAndNonRinging(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	h := &captureHandler{}
	m := New(Config{SelfID: "bob", Store: st, Handler: h, Metrics: metrics.New()})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := st.Create(ctx, ringingRecord("for-carol", "carol")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Create(ctx, ringingRecord("c1", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "own call detection", func() bool { return h.count() == 1 })

	// Progress past ringing produces no further detections.
	answer := call.SessionDescription{Type: call.SDPTypeAnswer, SDP: "v=0"}
	err := st.Update(ctx, "c1", store.Fields{Status: call.StatusAnswered, Answer: &answer}, call.StatusRinging)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if h.count() != 1 {
		t.Fatalf("handler fired %d times, want 1", h.count())
	}
}

func TestPrimaryPathFailureDoesNotBlindReceiver(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	h := &captureHandler{}
	mets := metrics.New()
	m := New(Config{
		SelfID:  "bob",
		Store:   &failingSubStore{Store: st, failPrimary: true},
		Handler: h,
		Metrics: mets,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("start should absorb a single path failure: %v", err)
	}
	defer m.Stop()

	if got := mets.Get(metrics.ListenerPathFailed); got == 0 {
		t.Fatal("path failure not counted")
	}

	// The backup scan still hears the call.
	if err := st.Create(context.Background(), ringingRecord("c1", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "detection via backup path", func() bool { return h.count() == 1 })
}

func TestStartFailsWhenEveryPathFails(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	m := New(Config{
		SelfID:  "bob",
		Store:   &failingSubStore{Store: st, failAll: true},
		Handler: &captureHandler{},
		Metrics: metrics.New(),
	})
	if err := m.Start(); err == nil {
		t.Fatal("start succeeded with no attachable path")
	}
}

func TestPresencePointerPoller(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	h := &captureHandler{}
	m := New(Config{
		SelfID:               "bob",
		Store:                &deafStore{Store: st},
		Handler:              h,
		Metrics:              metrics.New(),
		PresencePollInterval: 10 * time.Millisecond,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := st.Create(ctx, ringingRecord("c1", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Another process parked the pointer; only the poller can find it here.
	err := st.UpsertPresence(ctx, call.Presence{
		UserID:              "bob",
		Online:              true,
		LastSeen:            time.Now(),
		IncomingCallPointer: "c1",
	})
	if err != nil {
		t.Fatalf("upsert presence: %v", err)
	}

	waitFor(t, "detection via presence poller", func() bool { return h.count() == 1 })
	if got := h.first(); got.ID != "c1" {
		t.Fatalf("detected record = %+v", got)
	}
}

func TestPollerIgnoresPointerToForeignCall(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	h := &captureHandler{}
	m := New(Config{
		SelfID:               "bob",
		Store:                &deafStore{Store: st},
		Handler:              h,
		Metrics:              metrics.New(),
		PresencePollInterval: 10 * time.Millisecond,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	// A stale or corrupted pointer at a call addressed to someone else must
	// not surface.
	if err := st.Create(ctx, ringingRecord("c1", "carol")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := st.UpsertPresence(ctx, call.Presence{
		UserID:              "bob",
		Online:              true,
		LastSeen:            time.Now(),
		IncomingCallPointer: "c1",
	})
	if err != nil {
		t.Fatalf("upsert presence: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if h.count() != 0 {
		t.Fatalf("handler fired for a foreign call")
	}
}

func TestDetectionWritesIncomingPointer(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	h := &captureHandler{}
	m := New(Config{SelfID: "bob", Store: st, Handler: h, Metrics: metrics.New()})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := st.Create(ctx, ringingRecord("c1", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "detection", func() bool { return h.count() == 1 })

	p, err := st.GetPresence(ctx, "bob")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if p.IncomingCallPointer != "c1" {
		t.Fatalf("incoming pointer = %q, want c1", p.IncomingCallPointer)
	}
}

func TestStopMarksOffline(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	m := New(Config{SelfID: "bob", Store: st, Handler: &captureHandler{}, Metrics: metrics.New()})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	p, err := st.GetPresence(ctx, "bob")
	if err != nil {
		t.Fatalf("get presence after start: %v", err)
	}
	if !p.Online {
		t.Fatal("not marked online after start")
	}

	m.Stop()
	p, err = st.GetPresence(ctx, "bob")
	if err != nil {
		t.Fatalf("get presence after stop: %v", err)
	}
	if p.Online {
		t.Fatal("still marked online after stop")
	}
}
