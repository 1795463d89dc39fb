package coordinator

import "errors"

var (
	// ErrCallActive is returned by StartCall/Accept while another call owns
	// the local media devices. One coordinator at a time holds the capture
	// hardware.
	ErrCallActive = errors.New("coordinator: another call is active")

	// ErrUnknownCall is returned for operations against a call id with no
	// live coordinator.
	ErrUnknownCall = errors.New("coordinator: unknown call")

	// ErrNotIncoming is returned by Accept/Reject when the call is not in the
	// incoming state (already accepted, or not ours to answer).
	ErrNotIncoming = errors.New("coordinator: call is not incoming")

	// ErrEnded is returned for operations on a call that already reached its
	// terminal state.
	ErrEnded = errors.New("coordinator: call already ended")
)
