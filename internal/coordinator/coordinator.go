// Package coordinator owns the per-call signaling state machine: local media
// lifecycle, SDP offer/answer exchange through the shared store, ICE relay,
// and idempotent teardown.
//
// One Coordinator instance exists per call per peer. The store delivers
// events at-least-once with no cross-peer ordering bound, so every
// transition here is written defensively against duplicate, late, and
// out-of-order delivery. All terminal paths (hangup, remote ended, timeout,
// transport failure, negotiation failure) funnel through a single atomic
// ending guard: whichever trigger arrives first performs cleanup and fires
// the one terminal callback; everything after is a no-op.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/engine"
	"github.com/fenwicklabs/dialtone/internal/metrics"
	"github.com/fenwicklabs/dialtone/internal/notify"
	"github.com/fenwicklabs/dialtone/internal/ringtimer"
	"github.com/fenwicklabs/dialtone/internal/store"
)

type State string

const (
	StateIdle       State = "idle"
	StateOffering   State = "offering"
	StateIncoming   State = "incoming"
	StateAnswering  State = "answering"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

const storeWriteTimeout = 5 * time.Second

// DefaultEndGraceDelay is how long a negotiation failure waits before
// forcing the call down. The delay keeps a legitimate concurrently-arriving
// message (e.g. the peer's ended write) from being discarded by an instant
// teardown.
const DefaultEndGraceDelay = 750 * time.Millisecond

// Callbacks surface call progress to the embedding application. OnEnded is
// the terminal callback and fires exactly once per call, regardless of how
// many termination causes occur concurrently.
type Callbacks struct {
	OnStateChange func(callID string, state State)
	OnEnded       func(callID string, reason call.EndReason)
	OnRemoteTrack func(callID string, track engine.Track)
	OnError       func(callID string, err error)
}

type deps struct {
	selfID     string
	store      store.Store
	factory    engine.Factory
	timers     *ringtimer.Supervisor
	notifier   notify.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	graceDelay time.Duration
	callbacks  Callbacks
}

// Coordinator drives one call on one peer.
type Coordinator struct {
	deps

	id        string
	peerID    string
	origin    call.Origin
	mediaType call.MediaType
	offer     *call.SessionDescription // inbound only: the caller's stored offer

	// subCtx scopes all store subscriptions for this call.
	subCtx    context.Context
	subCancel context.CancelFunc

	// onRelease detaches the coordinator from its manager on teardown.
	onRelease func()

	mu            sync.Mutex
	state         State
	ending        bool
	knownStatus   call.Status
	eng           engine.Engine
	pending       []call.ICECandidate
	remoteApplied bool
	graceTimer    *time.Timer

	done chan struct{}
}

func newCoordinator(d deps, id, peerID string, origin call.Origin, mediaType call.MediaType, onRelease func()) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:        d,
		id:          id,
		peerID:      peerID,
		origin:      origin,
		mediaType:   mediaType,
		subCtx:      ctx,
		subCancel:   cancel,
		state:       StateIdle,
		knownStatus: call.StatusRinging,
		onRelease:   onRelease,
		done:        make(chan struct{}),
	}
}

func (c *Coordinator) ID() string                { return c.id }
func (c *Coordinator) PeerID() string            { return c.peerID }
func (c *Coordinator) MediaType() call.MediaType { return c.mediaType }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the terminal callback has fired.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// start drives the outbound path: acquire media, produce the offer, create
// the ringing record, then watch for the answer. A media failure aborts
// before any record exists.
func (c *Coordinator) start(ctx context.Context) error {
	eng, err := c.factory(ctx, c.mediaType)
	if err != nil {
		c.metrics.Inc(metrics.MediaAcquisitionFailed)
		c.abort()
		return fmt.Errorf("start call: %w", err)
	}
	c.attachEngine(eng)

	offer, err := eng.CreateOffer(ctx)
	if err != nil {
		c.abort()
		return fmt.Errorf("start call: %w", err)
	}

	rec := call.Record{
		ID:         c.id,
		CallerID:   c.selfID,
		ReceiverID: c.peerID,
		MediaType:  c.mediaType,
		Status:     call.StatusRinging,
		Offer:      &offer,
		CreatedAt:  time.Now(),
	}
	if err := c.store.Create(ctx, rec); err != nil {
		c.abort()
		return fmt.Errorf("create call record: %w", err)
	}

	c.setState(StateOffering)
	if err := c.subscribe(call.OriginCallee); err != nil {
		c.end(call.EndReasonError)
		return fmt.Errorf("start call: %w", err)
	}
	c.timers.Watch(c.id, func() { c.end(call.EndReasonTimeout) })
	c.metrics.Inc(metrics.CallsStarted)
	c.logger.Info("call started", "call_id", c.id, "peer_id", c.peerID, "media_type", c.mediaType)
	return nil
}

// startIncoming attaches the subscriptions for a detected ringing call so no
// signal is lost while the user decides. Candidates arriving before accept
// are buffered.
func (c *Coordinator) startIncoming(rec call.Record) error {
	c.offer = rec.Offer
	c.setState(StateIncoming)
	if err := c.subscribe(call.OriginCaller); err != nil {
		c.abort()
		return fmt.Errorf("incoming call: %w", err)
	}
	c.timers.Watch(c.id, func() { c.end(call.EndReasonTimeout) })
	return nil
}

// subscribe attaches the record watcher and the candidate feed from the
// remote side.
func (c *Coordinator) subscribe(remoteOrigin call.Origin) error {
	if _, err := c.store.Subscribe(c.subCtx, store.Filter{CallID: c.id}, c.onRecordEvent); err != nil {
		return fmt.Errorf("subscribe call record: %w", err)
	}
	if _, err := c.store.SubscribeCandidates(c.subCtx, c.id, remoteOrigin, 0, c.onRemoteCandidate); err != nil {
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	return nil
}

// accept drives the inbound answer path. The conditional answered write is
// the race guard: if the call was already ended (or answered elsewhere) the
// guard fails and accept is a quiet no-op, not an error.
func (c *Coordinator) accept(ctx context.Context) error {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return ErrEnded
	}
	if c.state != StateIncoming {
		c.mu.Unlock()
		return ErrNotIncoming
	}
	c.state = StateAnswering
	offer := c.offer
	c.mu.Unlock()
	c.notifyState(StateAnswering)

	eng, err := c.factory(ctx, c.mediaType)
	if err != nil {
		c.metrics.Inc(metrics.MediaAcquisitionFailed)
		c.end(call.EndReasonError)
		return fmt.Errorf("accept call: %w", err)
	}
	c.attachEngine(eng)

	if offer == nil {
		c.end(call.EndReasonError)
		return errors.New("accept call: record has no offer")
	}
	if err := eng.SetRemoteDescription(*offer); err != nil {
		c.negotiationFailed(err)
		return fmt.Errorf("accept call: %w", err)
	}
	c.flushPending(eng)

	answer, err := eng.CreateAnswer(ctx)
	if err != nil {
		c.negotiationFailed(err)
		return fmt.Errorf("accept call: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	err = c.store.Update(wctx, c.id, store.Fields{
		Status: call.StatusAnswered,
		Answer: &answer,
	}, call.StatusRinging)
	switch {
	case errors.Is(err, store.ErrConflict):
		// Lost the answer/end race; the record moved on without us.
		c.metrics.Inc(metrics.UpdateConflictTolerated)
		c.logger.Info("accept lost status race", "call_id", c.id)
		c.release(call.EndReasonRemoteEnded, false)
		return nil
	case err != nil:
		c.end(call.EndReasonError)
		return fmt.Errorf("write answer: %w", err)
	}

	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.knownStatus = call.StatusAnswered
	c.mu.Unlock()

	c.timers.Cancel(c.id)
	c.notifyState(StateConnecting)
	c.metrics.Inc(metrics.CallsAccepted)
	c.logger.Info("call accepted", "call_id", c.id, "peer_id", c.peerID)
	return nil
}

// reject declines an incoming ringing call without acquiring media.
func (c *Coordinator) reject(ctx context.Context) error {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return ErrEnded
	}
	if c.state != StateIncoming {
		c.mu.Unlock()
		return ErrNotIncoming
	}
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	err := c.store.Update(wctx, c.id, store.Fields{Status: call.StatusRejected}, call.StatusRinging)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		c.logger.Warn("reject write failed", "call_id", c.id, "err", err)
	}
	if errors.Is(err, store.ErrConflict) {
		c.metrics.Inc(metrics.UpdateConflictTolerated)
	}
	c.metrics.Inc(metrics.CallsRejected)
	c.release(call.EndReasonManual, false)
	return nil
}

// Hangup ends the call locally. Idempotent: the second and later calls are
// no-ops.
func (c *Coordinator) Hangup() {
	c.end(call.EndReasonManual)
}

// SetAudioEnabled toggles the local microphone track.
func (c *Coordinator) SetAudioEnabled(enabled bool) {
	if eng := c.engine(); eng != nil {
		eng.SetAudioEnabled(enabled)
	}
}

// SetVideoEnabled toggles the local camera track.
func (c *Coordinator) SetVideoEnabled(enabled bool) {
	if eng := c.engine(); eng != nil {
		eng.SetVideoEnabled(enabled)
	}
}

func (c *Coordinator) SwitchCamera() error {
	if eng := c.engine(); eng != nil {
		return eng.SwitchCamera()
	}
	return ErrEnded
}

func (c *Coordinator) SetSpeakerphone(on bool) error {
	if eng := c.engine(); eng != nil {
		return eng.SetSpeakerphone(on)
	}
	return ErrEnded
}

func (c *Coordinator) engine() engine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ending {
		return nil
	}
	return c.eng
}

func (c *Coordinator) attachEngine(eng engine.Engine) {
	c.mu.Lock()
	c.eng = eng
	c.mu.Unlock()

	eng.OnICECandidate(c.publishLocalCandidate)
	eng.OnConnectionState(c.onTransportState)
	eng.OnTrack(func(track engine.Track) {
		if c.live() && c.callbacks.OnRemoteTrack != nil {
			c.callbacks.OnRemoteTrack(c.id, track)
		}
	})
}

func (c *Coordinator) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.ending
}

// onRecordEvent handles a mutation of this call's record written by either
// side. Events can be duplicated and, across peers, late; every branch
// re-checks local state before acting.
func (c *Coordinator) onRecordEvent(ev store.Event) {
	rec := ev.Record
	switch rec.Status {
	case call.StatusAnswered:
		if rec.Answer == nil {
			c.logger.Warn("answered record without answer sdp", "call_id", c.id)
			return
		}
		c.onRemoteAnswer(*rec.Answer)
	case call.StatusConnecting, call.StatusConnected:
		c.advanceKnownStatus(rec.Status)
	case call.StatusRejected:
		c.advanceKnownStatus(rec.Status)
		c.end(call.EndReasonRemoteEnded)
	case call.StatusEnded:
		c.advanceKnownStatus(rec.Status)
		c.end(call.EndReasonRemoteEnded)
	}
}

func (c *Coordinator) advanceKnownStatus(s call.Status) {
	c.mu.Lock()
	if call.CanTransition(c.knownStatus, s) || c.knownStatus == s {
		c.knownStatus = s
	}
	c.mu.Unlock()
}

// onRemoteAnswer applies the callee's answer, but only while the local state
// is exactly offering. A duplicate or late answer event after the call moved
// to connecting/connected is dropped here; this is the explicit
// duplicate-answer defense.
func (c *Coordinator) onRemoteAnswer(answer call.SessionDescription) {
	c.mu.Lock()
	if c.ending || c.state != StateOffering {
		stale := c.state != StateOffering && !c.ending
		c.mu.Unlock()
		if stale {
			c.metrics.Inc(metrics.StaleSignalIgnored)
			c.logger.Debug("ignoring duplicate answer", "call_id", c.id)
		}
		return
	}
	eng := c.eng
	c.mu.Unlock()

	if err := eng.SetRemoteDescription(answer); err != nil {
		c.negotiationFailed(err)
		return
	}

	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.knownStatus = call.StatusAnswered
	c.mu.Unlock()

	c.flushPending(eng)
	c.timers.Cancel(c.id)
	c.notifyState(StateConnecting)

	// Record the connecting transition; a conflict just means the peer's
	// writes got there first.
	wctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	err := c.store.Update(wctx, c.id, store.Fields{Status: call.StatusConnecting}, call.StatusAnswered)
	if errors.Is(err, store.ErrConflict) {
		c.metrics.Inc(metrics.UpdateConflictTolerated)
	} else if err != nil {
		c.logger.Warn("connecting write failed", "call_id", c.id, "err", err)
	} else {
		c.advanceKnownStatus(call.StatusConnecting)
	}
}

// onRemoteCandidate relays one peer candidate into the transport, buffering
// while the remote description is not yet applied. Buffered candidates are
// flushed in arrival order.
func (c *Coordinator) onRemoteCandidate(cand call.CandidateRecord) {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return
	}
	if !c.remoteApplied {
		c.pending = append(c.pending, cand.Candidate)
		c.mu.Unlock()
		c.metrics.Inc(metrics.CandidatesBuffered)
		return
	}
	eng := c.eng
	c.mu.Unlock()

	if err := eng.AddICECandidate(cand.Candidate); err != nil {
		// Guarded no-op: a candidate for a torn-down transport is not fatal.
		c.logger.Warn("add ice candidate failed", "call_id", c.id, "err", err)
		return
	}
	c.metrics.Inc(metrics.CandidatesRelayed)
}

// flushPending marks the remote description applied and drains candidates
// buffered before it, preserving arrival order.
func (c *Coordinator) flushPending(eng engine.Engine) {
	c.mu.Lock()
	c.remoteApplied = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := eng.AddICECandidate(cand); err != nil {
			c.logger.Warn("flush buffered candidate failed", "call_id", c.id, "err", err)
			continue
		}
		c.metrics.Inc(metrics.CandidatesRelayed)
	}
}

// publishLocalCandidate appends a locally discovered candidate for the peer
// to pick up.
func (c *Coordinator) publishLocalCandidate(cand call.ICECandidate) {
	if !c.live() {
		return
	}
	rec := call.CandidateRecord{
		ID:        uuid.NewString(),
		CallID:    c.id,
		Origin:    c.origin,
		Candidate: cand,
		Timestamp: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := c.store.AppendCandidate(ctx, rec); err != nil {
		c.logger.Warn("append candidate failed", "call_id", c.id, "err", err)
	}
}

// onTransportState reacts to the media engine's connectivity callbacks. The
// connected transition is driven from here, never from the store.
func (c *Coordinator) onTransportState(s engine.TransportState) {
	switch {
	case s == engine.TransportConnected:
		c.mu.Lock()
		if c.ending || c.state == StateConnected {
			c.mu.Unlock()
			return
		}
		c.state = StateConnected
		known := c.knownStatus
		c.mu.Unlock()

		c.notifyState(StateConnected)
		wctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		defer cancel()
		err := c.store.Update(wctx, c.id, store.Fields{Status: call.StatusConnected}, known)
		if errors.Is(err, store.ErrConflict) {
			c.metrics.Inc(metrics.UpdateConflictTolerated)
		} else if err != nil {
			c.logger.Warn("connected write failed", "call_id", c.id, "err", err)
		} else {
			c.advanceKnownStatus(call.StatusConnected)
		}
		c.logger.Info("call connected", "call_id", c.id, "peer_id", c.peerID)

	case s.Down():
		if c.live() {
			c.logger.Info("transport down", "call_id", c.id, "state", string(s))
		}
		c.end(call.EndReasonError)
	}
}

// negotiationFailed surfaces an SDP-apply error and schedules a graceful
// end after the grace delay instead of tearing down instantly, so a
// legitimate concurrently-arriving message still gets processed.
func (c *Coordinator) negotiationFailed(err error) {
	c.metrics.Inc(metrics.NegotiationFailed)
	c.logger.Warn("negotiation failed", "call_id", c.id, "err", err)
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(c.id, err)
	}

	c.mu.Lock()
	if c.ending || c.graceTimer != nil {
		c.mu.Unlock()
		return
	}
	c.graceTimer = time.AfterFunc(c.graceDelay, func() {
		c.end(call.EndReasonError)
	})
	c.mu.Unlock()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Coordinator) notifyState(s State) {
	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(c.id, s)
	}
}

// abort tears down a coordinator whose call never came into being (media
// failure before a record existed, listener setup failure). No store write,
// no terminal callback: the failure is surfaced to the caller as the
// returned error instead.
func (c *Coordinator) abort() {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return
	}
	c.ending = true
	c.state = StateEnded
	eng := c.eng
	c.eng = nil
	c.mu.Unlock()

	c.timers.Cancel(c.id)
	c.subCancel()
	if eng != nil {
		_ = eng.Close()
	}
	if c.onRelease != nil {
		c.onRelease()
	}
	close(c.done)
}

// end is the single terminal path. The first caller wins the ending guard
// and performs cleanup; its reason is the call's end reason. Everyone else
// is a no-op.
func (c *Coordinator) end(reason call.EndReason) {
	c.release(reason, true)
}

// release performs the one-shot teardown. writeEnded controls whether the
// terminal status is written to the store; paths that know the record is
// already owned by another writer (accept guard failure, reject) skip it.
func (c *Coordinator) release(reason call.EndReason, writeEnded bool) {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return
	}
	c.ending = true
	c.state = StateEnded
	eng := c.eng
	c.eng = nil
	known := c.knownStatus
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.mu.Unlock()

	c.timers.Cancel(c.id)
	c.subCancel()
	if eng != nil {
		_ = eng.Close()
	}

	if writeEnded && !known.Terminal() {
		c.writeEnded(reason, known)
	}

	c.countEnd(reason)
	c.notifier.CallEnded(c.id)
	if c.callbacks.OnEnded != nil {
		c.callbacks.OnEnded(c.id, reason)
	}
	c.logger.Info("call ended", "call_id", c.id, "reason", string(reason))

	if c.onRelease != nil {
		c.onRelease()
	}
	close(c.done)
}

// writeEnded records the terminal status with the last known status as the
// guard. On conflict the record is re-read once: if the peer already wrote a
// terminal status the conflict is tolerated; if the record merely progressed
// (e.g. answered while we were hanging up during ring), the write is retried
// against the fresh status so a local hangup always lands.
func (c *Coordinator) writeEnded(reason call.EndReason, expected call.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	now := time.Now()
	fields := store.Fields{Status: call.StatusEnded, EndReason: reason, EndedAt: &now}

	err := c.store.Update(ctx, c.id, fields, expected)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrConflict) {
		c.logger.Warn("ended write failed", "call_id", c.id, "err", err)
		return
	}

	rec, gerr := c.store.Get(ctx, c.id)
	if gerr != nil {
		c.logger.Warn("ended re-read failed", "call_id", c.id, "err", gerr)
		return
	}
	if rec.Status.Terminal() {
		c.metrics.Inc(metrics.UpdateConflictTolerated)
		return
	}
	if err := c.store.Update(ctx, c.id, fields, rec.Status); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.metrics.Inc(metrics.UpdateConflictTolerated)
			return
		}
		c.logger.Warn("ended retry write failed", "call_id", c.id, "err", err)
	}
}

func (c *Coordinator) countEnd(reason call.EndReason) {
	switch reason {
	case call.EndReasonManual:
		c.metrics.Inc(metrics.CallsEndedManual)
	case call.EndReasonTimeout:
		c.metrics.Inc(metrics.CallsEndedTimeout)
	case call.EndReasonError:
		c.metrics.Inc(metrics.CallsEndedError)
	case call.EndReasonRemoteEnded:
		c.metrics.Inc(metrics.CallsEndedRemote)
	}
}
