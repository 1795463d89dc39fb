package call

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

var (
	errInvalidSDPType = errors.New("call: invalid session description type")
	errMissingSDP     = errors.New("call: missing session description sdp")
)

// SessionDescription is a minimal, JSON-friendly representation of an SDP
// offer/answer as stored in a call record.
//
// The data model intentionally does not embed WebRTC library types; records
// model the protocol surface, not the implementation.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s SessionDescription) Validate() error {
	if s.Type != SDPTypeOffer && s.Type != SDPTypeAnswer {
		return fmt.Errorf("%w: %q", errInvalidSDPType, s.Type)
	}
	if s.SDP == "" {
		return errMissingSDP
	}
	return nil
}

func SDPFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case SDPTypeOffer:
		t = webrtc.SDPTypeOffer
	case SDPTypeAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q", errInvalidSDPType, s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// ICECandidate is a JSON-friendly ICE candidate payload.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) ICECandidate {
	return ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func (c ICECandidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
