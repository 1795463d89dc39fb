// Package call defines the call signaling data model: call records, ICE
// candidate records, and presence records.
//
// The record schema is the signaling protocol. Two peers never talk to each
// other directly; they exchange SDP offers/answers and ICE candidates by
// writing these records into a shared store and watching for the peer's
// writes.
package call

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusRejected   Status = "rejected"
)

type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

type EndReason string

const (
	EndReasonManual      EndReason = "manual"
	EndReasonTimeout     EndReason = "timeout"
	EndReasonError       EndReason = "error"
	EndReasonRemoteEnded EndReason = "remoteEnded"
)

// Origin identifies which side of the call produced an ICE candidate.
type Origin string

const (
	OriginCaller Origin = "caller"
	OriginCallee Origin = "callee"
)

var (
	errUnknownStatus    = errors.New("call: unknown status")
	errUnknownMediaType = errors.New("call: unknown media type")
)

// Record is one call between two peers. It is created by the caller with
// status ringing and a non-nil offer, and mutated only through the status
// lattice below.
//
// Invariants:
//   - Offer is written exactly once, by the caller, while status is ringing.
//   - Answer is written exactly once, by the receiver, transitioning
//     ringing -> answered.
//   - Status only moves forward through the lattice; ended and rejected are
//     absorbing.
type Record struct {
	ID         string              `json:"id"`
	CallerID   string              `json:"callerId"`
	ReceiverID string              `json:"receiverId"`
	MediaType  MediaType           `json:"mediaType"`
	Status     Status              `json:"status"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	EndedAt    *time.Time          `json:"endedAt,omitempty"`
	EndReason  EndReason           `json:"endReason,omitempty"`
}

// CandidateRecord is an append-only child of a Record carrying one ICE
// candidate discovered by one side. Candidate records are never mutated.
type CandidateRecord struct {
	ID        string       `json:"id"`
	CallID    string       `json:"callId"`
	Origin    Origin       `json:"origin"`
	Candidate ICECandidate `json:"candidate"`
	Timestamp time.Time    `json:"timestamp"`
}

// Presence is an ephemeral per-user status record. IncomingCallPointer is a
// secondary discovery path: the receiver's listener writes the ringing call
// id here so a lower-priority poller can pick it up if the primary
// subscription is slow to deliver.
type Presence struct {
	UserID              string    `json:"userId"`
	Online              bool      `json:"online"`
	LastSeen            time.Time `json:"lastSeen"`
	CurrentCallID       string    `json:"currentCallId,omitempty"`
	IncomingCallPointer string    `json:"incomingCallPointer,omitempty"`
}

// statusRank orders the lattice for monotonicity checks. Terminal statuses
// share the highest rank; nothing moves out of them.
var statusRank = map[Status]int{
	StatusRinging:    0,
	StatusAnswered:   1,
	StatusConnecting: 2,
	StatusConnected:  3,
	StatusEnded:      4,
	StatusRejected:   4,
}

// Terminal reports whether s is absorbing: no field of a record may change
// after it is reached.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

func (s Status) Validate() error {
	if _, ok := statusRank[s]; !ok {
		return fmt.Errorf("%w: %q", errUnknownStatus, s)
	}
	return nil
}

// CanTransition reports whether a record may move from -> to. Ended is
// reachable from every non-terminal status; otherwise status is monotonic
// through the lattice.
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StatusEnded {
		return true
	}
	if to == StatusRejected {
		return from == StatusRinging
	}
	return tr == fr+1
}

func (m MediaType) Validate() error {
	switch m {
	case MediaVideo, MediaAudio:
		return nil
	}
	return fmt.Errorf("%w: %q", errUnknownMediaType, m)
}

// Validate checks a record as it must look at creation time: ringing, offer
// set, answer unset.
func (r Record) Validate() error {
	if r.ID == "" {
		return errors.New("call: record missing id")
	}
	if r.CallerID == "" || r.ReceiverID == "" {
		return errors.New("call: record missing participant ids")
	}
	if r.CallerID == r.ReceiverID {
		return errors.New("call: caller and receiver must differ")
	}
	if err := r.MediaType.Validate(); err != nil {
		return err
	}
	if err := r.Status.Validate(); err != nil {
		return err
	}
	if r.Status != StatusRinging {
		return fmt.Errorf("call: new record must be ringing, got %q", r.Status)
	}
	if r.Offer == nil {
		return errors.New("call: new record missing offer")
	}
	if r.Offer.Type != SDPTypeOffer {
		return fmt.Errorf("call: offer has sdp type %q", r.Offer.Type)
	}
	if r.Answer != nil {
		return errors.New("call: new record must not carry an answer")
	}
	return nil
}

// PeerOf returns the other participant's id, or "" if userID is not a
// participant.
func (r Record) PeerOf(userID string) string {
	switch userID {
	case r.CallerID:
		return r.ReceiverID
	case r.ReceiverID:
		return r.CallerID
	}
	return ""
}
