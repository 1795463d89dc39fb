// Package engine is the boundary to the real-time media stack. The
// signaling core treats it as an opaque capability: it asks for offers and
// answers, feeds in remote descriptions and candidates, and listens for
// transport state changes. Codec and transport internals never leak out.
package engine

import (
	"context"
	"errors"

	"github.com/fenwicklabs/dialtone/internal/call"
)

// ErrMediaAcquisition marks a failure to acquire local capture devices.
// Fatal for the call attempt: no record is created for an outbound call, and
// an inbound accept is abandoned.
var ErrMediaAcquisition = errors.New("engine: media acquisition failed")

// TransportState mirrors the peer connection state the coordinator reacts
// to.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Down reports whether s means the transport is gone for good and the call
// must end.
func (s TransportState) Down() bool {
	switch s {
	case TransportDisconnected, TransportFailed, TransportClosed:
		return true
	}
	return false
}

// Track describes an inbound remote media track.
type Track struct {
	Kind string // "audio" or "video"
	ID   string
}

// Engine is one per-call media session. Implementations own the local
// camera/microphone handle for the duration of the call; Close must release
// it on every path so repeated calls never leak hardware.
//
// Callback registration is not synchronized with event delivery; register
// all callbacks before signaling begins.
type Engine interface {
	// CreateOffer produces the local SDP offer and applies it as the local
	// description.
	CreateOffer(ctx context.Context) (call.SessionDescription, error)

	// CreateAnswer produces the local SDP answer to a previously applied
	// remote offer and applies it as the local description.
	CreateAnswer(ctx context.Context) (call.SessionDescription, error)

	// SetRemoteDescription applies the peer's offer or answer.
	SetRemoteDescription(desc call.SessionDescription) error

	// AddICECandidate feeds one remote candidate into the transport. Must be
	// called only after SetRemoteDescription has succeeded.
	AddICECandidate(cand call.ICECandidate) error

	// OnICECandidate registers the callback for locally discovered
	// candidates.
	OnICECandidate(fn func(call.ICECandidate))

	// OnConnectionState registers the callback for transport state changes.
	OnConnectionState(fn func(TransportState))

	// OnTrack registers the callback for inbound remote tracks.
	OnTrack(fn func(Track))

	// SetAudioEnabled / SetVideoEnabled toggle the local capture tracks
	// without renegotiation.
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	// SwitchCamera flips between capture devices where the platform has more
	// than one.
	SwitchCamera() error

	// SetSpeakerphone routes output audio. Best-effort; headless builds
	// ignore it.
	SetSpeakerphone(on bool) error

	// Close tears down the transport and releases all local media handles.
	// Idempotent.
	Close() error
}

// Factory acquires local media and constructs the per-call Engine. A capture
// failure surfaces as ErrMediaAcquisition (possibly wrapped).
type Factory func(ctx context.Context, mediaType call.MediaType) (Engine, error)
