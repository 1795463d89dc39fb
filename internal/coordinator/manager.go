package coordinator

import (
	"context"
	"errors"
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
	"github.com/fenwicklabs/dialtone/internal/watch"
)

// ManagerConfig wires a Manager's dependencies.
type ManagerConfig struct {
	SelfID   string
	Store    store.Store
	Engine   engine.Factory
	Notifier notify.Dispatcher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// RingTimeout is the deadline for a call left ringing. Zero defaults to
	// 30s.
	RingTimeout time.Duration

	// EndGraceDelay is the negotiation-failure teardown delay. Zero defaults
	// to DefaultEndGraceDelay.
	EndGraceDelay time.Duration

	// PresencePollInterval enables the fallback presence poller when > 0.
	PresencePollInterval time.Duration

	Callbacks Callbacks
}

const DefaultRingTimeout = 30 * time.Second

// Manager owns at most one active Coordinator per call and constructs them
// explicitly per call; no signaling state is shared across calls except the
// store itself.
type Manager struct {
	cfg      ManagerConfig
	logger   *slog.Logger
	notifier notify.Dispatcher
	timers   *ringtimer.Supervisor
	listener *watch.ListenerManager

	mu    sync.Mutex
	calls map[string]*Coordinator
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogDispatcher{Logger: cfg.Logger}
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.EndGraceDelay <= 0 {
		cfg.EndGraceDelay = DefaultEndGraceDelay
	}

	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		notifier: cfg.Notifier,
		timers:   ringtimer.New(cfg.Store, cfg.RingTimeout, cfg.Logger),
		calls:    make(map[string]*Coordinator),
	}
	m.listener = watch.New(watch.Config{
		SelfID:               cfg.SelfID,
		Store:                cfg.Store,
		Handler:              managerHandler{m},
		Metrics:              cfg.Metrics,
		Logger:               cfg.Logger,
		PresencePollInterval: cfg.PresencePollInterval,
	})
	return m
}

// Start attaches the incoming-call listener paths.
func (m *Manager) Start() error {
	return m.listener.Start()
}

// Close hangs up every active call and detaches the listeners.
func (m *Manager) Close() {
	m.mu.Lock()
	calls := make([]*Coordinator, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.Hangup()
	}
	m.listener.Stop()
	m.timers.Close()
}

func (m *Manager) Metrics() *metrics.Metrics { return m.cfg.Metrics }

// StartCall places an outbound call to peerID. At most one call may be
// active at a time: the local capture devices are exclusively owned by the
// active coordinator.
func (m *Manager) StartCall(ctx context.Context, peerID string, mediaType call.MediaType) (*Coordinator, error) {
	if err := mediaType.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	c := newCoordinator(m.deps(), id, peerID, call.OriginCaller, mediaType, m.releaseFunc(id))

	m.mu.Lock()
	if len(m.calls) > 0 {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	m.calls[id] = c
	m.mu.Unlock()
	m.listener.SetCurrentCall(id)

	if err := c.start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Accept answers the incoming call callID.
func (m *Manager) Accept(ctx context.Context, callID string) (*Coordinator, error) {
	c, ok := m.Get(callID)
	if !ok {
		return nil, ErrUnknownCall
	}
	if err := c.accept(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reject declines the incoming call callID.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	c, ok := m.Get(callID)
	if !ok {
		return ErrUnknownCall
	}
	return c.reject(ctx)
}

// Hangup ends the call callID. Unknown ids are a no-op: the call may have
// already ended and released itself.
func (m *Manager) Hangup(callID string) {
	if c, ok := m.Get(callID); ok {
		c.Hangup()
	}
}

func (m *Manager) Get(callID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	return c, ok
}

// Active returns the currently active coordinator, if any.
func (m *Manager) Active() (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		return c, true
	}
	return nil, false
}

func (m *Manager) deps() deps {
	return deps{
		selfID:     m.cfg.SelfID,
		store:      m.cfg.Store,
		factory:    m.cfg.Engine,
		timers:     m.timers,
		notifier:   m.notifier,
		metrics:    m.cfg.Metrics,
		logger:     m.logger,
		graceDelay: m.cfg.EndGraceDelay,
		callbacks:  m.cfg.Callbacks,
	}
}

func (m *Manager) releaseFunc(callID string) func() {
	return func() {
		m.mu.Lock()
		delete(m.calls, callID)
		empty := len(m.calls) == 0
		m.mu.Unlock()
		if empty {
			m.listener.SetCurrentCall("")
		}
	}
}

// onIncoming is invoked by the listener manager exactly once per detected
// ringing call. A call that arrives while another is active is declined
// (busy) rather than presented.
func (m *Manager) onIncoming(rec call.Record) {
	c := newCoordinator(m.deps(), rec.ID, rec.CallerID, call.OriginCallee, rec.MediaType, m.releaseFunc(rec.ID))

	m.mu.Lock()
	busy := len(m.calls) > 0
	if !busy {
		m.calls[rec.ID] = c
	}
	m.mu.Unlock()

	if busy {
		m.declineBusy(rec)
		return
	}
	m.listener.SetCurrentCall(rec.ID)

	if err := c.startIncoming(rec); err != nil {
		m.logger.Warn("incoming call setup failed", "call_id", rec.ID, "err", err)
		return
	}
	m.notifier.IncomingCall(rec)
}

// declineBusy writes rejected for a call that cannot be presented. A
// conflict means the caller gave up first; either way the record is done.
func (m *Manager) declineBusy(rec call.Record) {
	m.logger.Info("declining call while busy", "call_id", rec.ID, "caller_id", rec.CallerID)
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	err := m.cfg.Store.Update(ctx, rec.ID, store.Fields{Status: call.StatusRejected}, call.StatusRinging)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		m.logger.Warn("busy decline write failed", "call_id", rec.ID, "err", err)
	}
	m.cfg.Metrics.Inc(metrics.CallsRejected)
}

// managerHandler adapts Manager to the watch.Handler interface.
type managerHandler struct{ m *Manager }

func (h managerHandler) IncomingCall(rec call.Record) { h.m.onIncoming(rec) }
