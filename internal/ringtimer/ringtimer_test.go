package ringtimer

import (
	"context"
	"testing"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/memstore"
	"github.com/fenwicklabs/dialtone/internal/store"
)

// manualTimers replaces time.AfterFunc so tests fire deadlines explicitly.
type manualTimers struct {
	fns []func()
}

func (m *manualTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	m.fns = append(m.fns, fn)
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func ringingRecord(id string) call.Record {
	return call.Record{
		ID:         id,
		CallerID:   "alice",
		ReceiverID: "bob",
		MediaType:  call.MediaAudio,
		Status:     call.StatusRinging,
		Offer:      &call.SessionDescription{Type: call.SDPTypeOffer, SDP: "v=0"},
		CreatedAt:  time.Now(),
	}
}

func TestWatchFiresWhileStillRinging(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	if err := st.Create(context.Background(), ringingRecord("c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	mt := &manualTimers{}
	s := New(st, time.Minute, nil)
	s.afterFunc = mt.afterFunc

	fired := 0
	s.Watch("c1", func() { fired++ })
	if len(mt.fns) != 1 {
		t.Fatalf("scheduled %d timers, want 1", len(mt.fns))
	}

	mt.fns[0]()
	if fired != 1 {
		t.Fatalf("onExpire fired %d times, want 1", fired)
	}
}

func TestStaleFireIsNoOp(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()
	if err := st.Create(ctx, ringingRecord("c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	mt := &manualTimers{}
	s := New(st, time.Minute, nil)
	s.afterFunc = mt.afterFunc

	fired := 0
	s.Watch("c1", func() { fired++ })

	// Call progresses before the deadline fires.
	answer := call.SessionDescription{Type: call.SDPTypeAnswer, SDP: "v=0"}
	fields := store.Fields{Status: call.StatusAnswered, Answer: &answer}
	if err := st.Update(ctx, "c1", fields, call.StatusRinging); err != nil {
		t.Fatalf("update: %v", err)
	}

	mt.fns[0]()
	if fired != 0 {
		t.Fatalf("onExpire fired for a non-ringing call")
	}
}

func TestCancelledTimerNeverFires(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	if err := st.Create(context.Background(), ringingRecord("c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	mt := &manualTimers{}
	s := New(st, time.Minute, nil)
	s.afterFunc = mt.afterFunc

	fired := 0
	s.Watch("c1", func() { fired++ })
	s.Cancel("c1")

	mt.fns[0]()
	if fired != 0 {
		t.Fatalf("onExpire fired after Cancel")
	}
}

func TestRewatchReplacesTimer(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	if err := st.Create(context.Background(), ringingRecord("c1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	mt := &manualTimers{}
	s := New(st, time.Minute, nil)
	s.afterFunc = mt.afterFunc

	fired := 0
	s.Watch("c1", func() { fired++ })
	s.Watch("c1", func() { fired++ })
	if len(mt.fns) != 2 {
		t.Fatalf("scheduled %d timers, want 2", len(mt.fns))
	}

	// Both callbacks fire, but only the live registration acts.
	mt.fns[0]()
	mt.fns[1]()
	if fired != 1 {
		t.Fatalf("onExpire fired %d times, want 1", fired)
	}
}

func TestMissingRecordIsNoOp(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	mt := &manualTimers{}
	s := New(st, time.Minute, nil)
	s.afterFunc = mt.afterFunc

	fired := 0
	s.Watch("ghost", func() { fired++ })
	mt.fns[0]()
	if fired != 0 {
		t.Fatalf("onExpire fired for a missing record")
	}
}
