package call

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"ringing to answered", StatusRinging, StatusAnswered, true},
		{"answered to connecting", StatusAnswered, StatusConnecting, true},
		{"connecting to connected", StatusConnecting, StatusConnected, true},
		{"ringing to rejected", StatusRinging, StatusRejected, true},
		{"ringing to ended", StatusRinging, StatusEnded, true},
		{"answered to ended", StatusAnswered, StatusEnded, true},
		{"connecting to ended", StatusConnecting, StatusEnded, true},
		{"connected to ended", StatusConnected, StatusEnded, true},

		{"no skipping ringing to connecting", StatusRinging, StatusConnecting, false},
		{"no skipping ringing to connected", StatusRinging, StatusConnected, false},
		{"no skipping answered to connected", StatusAnswered, StatusConnected, false},
		{"no going back", StatusConnecting, StatusAnswered, false},
		{"reject only from ringing", StatusAnswered, StatusRejected, false},
		{"ended is absorbing", StatusEnded, StatusRinging, false},
		{"ended stays ended", StatusEnded, StatusEnded, false},
		{"rejected is absorbing", StatusRejected, StatusEnded, false},
		{"unknown from", Status("bogus"), StatusEnded, false},
		{"unknown to", StatusRinging, Status("bogus"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.want {
				t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusRinging, StatusAnswered, StatusConnecting, StatusConnected} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusEnded, StatusRejected} {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
}

func validRecord() Record {
	return Record{
		ID:         "call-1",
		CallerID:   "alice",
		ReceiverID: "bob",
		MediaType:  MediaAudio,
		Status:     StatusRinging,
		Offer:      &SessionDescription{Type: SDPTypeOffer, SDP: "v=0"},
		CreatedAt:  time.Now(),
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr bool
	}{
		{"valid", func(r *Record) {}, false},
		{"missing id", func(r *Record) { r.ID = "" }, true},
		{"missing caller", func(r *Record) { r.CallerID = "" }, true},
		{"missing receiver", func(r *Record) { r.ReceiverID = "" }, true},
		{"self call", func(r *Record) { r.ReceiverID = r.CallerID }, true},
		{"bad media type", func(r *Record) { r.MediaType = "screen" }, true},
		{"not ringing", func(r *Record) { r.Status = StatusAnswered }, true},
		{"missing offer", func(r *Record) { r.Offer = nil }, true},
		{"offer with answer type", func(r *Record) { r.Offer.Type = SDPTypeAnswer }, true},
		{"premature answer", func(r *Record) {
			r.Answer = &SessionDescription{Type: SDPTypeAnswer, SDP: "v=0"}
		}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := validRecord()
			tc.mutate(&rec)
			err := rec.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPeerOf(t *testing.T) {
	rec := validRecord()
	if got := rec.PeerOf("alice"); got != "bob" {
		t.Fatalf("PeerOf(alice) = %q, want bob", got)
	}
	if got := rec.PeerOf("bob"); got != "alice" {
		t.Fatalf("PeerOf(bob) = %q, want alice", got)
	}
	if got := rec.PeerOf("mallory"); got != "" {
		t.Fatalf("PeerOf(mallory) = %q, want empty", got)
	}
}

func TestSessionDescriptionValidate(t *testing.T) {
	if err := (SessionDescription{Type: SDPTypeOffer, SDP: "v=0"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (SessionDescription{Type: "pranswer", SDP: "v=0"}).Validate(); err == nil {
		t.Fatal("expected error for unknown sdp type")
	}
	if err := (SessionDescription{Type: SDPTypeAnswer}).Validate(); err == nil {
		t.Fatal("expected error for empty sdp")
	}
}
