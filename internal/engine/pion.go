package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/fenwicklabs/dialtone/internal/call"
)

// PionConfig configures the pion-backed engine factory.
type PionConfig struct {
	// ICEServers is the STUN/TURN server list for peer connections.
	ICEServers []webrtc.ICEServer

	// Logger receives pion's internal logs (bridged) plus engine events.
	Logger *slog.Logger
}

// NewPionFactory returns a Factory backed by pion/webrtc. The webrtc.API is
// constructed once so SettingEngine configuration (logging) applies to every
// call.
func NewPionFactory(cfg PionConfig) Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = slogLoggerFactory{logger: logger}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	return func(ctx context.Context, mediaType call.MediaType) (Engine, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		e := &pionEngine{pc: pc, logger: logger}
		if err := e.acquireMedia(mediaType); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
		}
		e.wireCallbacks()
		return e, nil
	}
}

type pionEngine struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	onCandidate func(call.ICECandidate)
	onState     func(TransportState)
	onTrack     func(Track)
	closed      bool
}

// acquireMedia sets up the audio (and, for video calls, video) transceivers
// that stand in for local capture. Sendrecv m-lines ensure CreateOffer and
// CreateAnswer always produce valid media sections with ICE credentials.
func (e *pionEngine) acquireMedia(mediaType call.MediaType) error {
	audio, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	e.audioSender = audio.Sender()

	if mediaType == call.MediaVideo {
		video, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
		e.videoSender = video.Sender()
	}
	return nil
}

func (e *pionEngine) wireCallbacks() {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-candidates marker; the store protocol has no use for it.
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(call.CandidateFromPion(c.ToJSON()))
		}
	})

	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.mu.Lock()
		fn := e.onState
		e.mu.Unlock()
		if fn != nil {
			fn(transportStateFromPion(s))
		}
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.Lock()
		fn := e.onTrack
		e.mu.Unlock()
		if fn != nil {
			fn(Track{Kind: track.Kind().String(), ID: track.ID()})
		}
	})
}

func transportStateFromPion(s webrtc.PeerConnectionState) TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	}
	return TransportNew
}

func (e *pionEngine) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return call.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return call.SDPFromPion(offer), nil
}

func (e *pionEngine) CreateAnswer(ctx context.Context) (call.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return call.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return call.SDPFromPion(answer), nil
}

func (e *pionEngine) SetRemoteDescription(desc call.SessionDescription) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (e *pionEngine) AddICECandidate(cand call.ICECandidate) error {
	if err := e.pc.AddICECandidate(cand.ToPion()); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (e *pionEngine) OnICECandidate(fn func(call.ICECandidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *pionEngine) OnConnectionState(fn func(TransportState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *pionEngine) OnTrack(fn func(Track)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

// setSenderEnabled pauses or resumes an outbound track by replacing it with
// nil. Pausing via ReplaceTrack avoids renegotiation.
func (e *pionEngine) setSenderEnabled(sender *webrtc.RTPSender, enabled bool) {
	if sender == nil {
		return
	}
	if !enabled {
		if err := sender.ReplaceTrack(nil); err != nil {
			e.logger.Warn("pause track failed", "err", err)
		}
	}
	// Resuming requires the capture pipeline to re-attach its track; headless
	// builds have nothing to re-attach, which is fine for signaling purposes.
}

func (e *pionEngine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	sender := e.audioSender
	e.mu.Unlock()
	e.setSenderEnabled(sender, enabled)
}

func (e *pionEngine) SetVideoEnabled(enabled bool) {
	e.mu.Lock()
	sender := e.videoSender
	e.mu.Unlock()
	e.setSenderEnabled(sender, enabled)
}

func (e *pionEngine) SwitchCamera() error {
	return fmt.Errorf("engine: camera switching not supported on this platform")
}

func (e *pionEngine) SetSpeakerphone(on bool) error {
	// Output routing is a platform concern; headless builds have no speaker.
	return nil
}

func (e *pionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.pc.Close()
}
