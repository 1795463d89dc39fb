// Package watch detects incoming calls for one user through redundant,
// independently-failing paths against the shared store.
//
// A single subscription is a single point of failure: a backend index or
// query problem on one query shape can silently blind the receiver. The
// listener manager therefore fans out to three paths with different shapes:
//
//   - primary: a precise subscription filtered to ringing records for this
//     receiver;
//   - backup: a broad scan subscription with client-side filtering, immune
//     to filtered-query failures;
//   - presence: a low-priority poller over the receiver's own presence
//     record, fed by the IncomingCallPointer the detection paths write.
//
// A setup or runtime failure in any one path is logged and counted, never
// propagated; the remaining paths keep working. All deliveries converge on a
// (callID, status) de-duplication gate, so however many paths observe the
// same logical event, the handler sees it once.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/metrics"
	"github.com/fenwicklabs/dialtone/internal/store"
)

// Handler receives de-duplicated call detections.
type Handler interface {
	// IncomingCall fires once per (callID, ringing) for calls addressed to
	// this user.
	IncomingCall(rec call.Record)
}

type Config struct {
	SelfID  string
	Store   store.Store
	Handler Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// PresencePollInterval is the fallback poller cadence. Zero disables the
	// presence path.
	PresencePollInterval time.Duration

	// PresenceHeartbeat is how often the online presence record is
	// refreshed. Zero defaults to 30s.
	PresenceHeartbeat time.Duration
}

type ListenerManager struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	seen map[string]struct{} // callID|status

	presenceMu    sync.Mutex
	currentCallID string

	wg      sync.WaitGroup
	started bool
}

func New(cfg Config) *ListenerManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ListenerManager{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}
}

// Start attaches all listener paths. Individual path failures are absorbed;
// Start only fails if every detection path failed to attach, at which point
// the receiver genuinely cannot hear anything.
func (m *ListenerManager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	attached := 0

	primary := store.Filter{
		ReceiverID: m.cfg.SelfID,
		Statuses:   []call.Status{call.StatusRinging},
	}
	if _, err := m.cfg.Store.Subscribe(m.ctx, primary, m.onPrimaryEvent); err != nil {
		m.pathFailed("primary", err)
	} else {
		attached++
	}

	// Broad scan, filtered client-side. Deliberately a different query shape
	// from the primary so a backend failure of one cannot take out both.
	if _, err := m.cfg.Store.Subscribe(m.ctx, store.Filter{}, m.onBackupEvent); err != nil {
		m.pathFailed("backup", err)
	} else {
		attached++
	}

	if err := m.goOnline(); err != nil {
		// Presence is an auxiliary path; its failure must not block call
		// detection.
		m.pathFailed("presence", err)
	}
	m.wg.Add(1)
	go m.presenceLoop()

	if attached == 0 {
		m.cancel()
		return errors.New("watch: no listener path could attach")
	}
	return nil
}

// Stop detaches everything and marks the user offline.
func (m *ListenerManager) Stop() {
	m.cancel()
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.cfg.Store.UpsertPresence(ctx, call.Presence{
		UserID:   m.cfg.SelfID,
		Online:   false,
		LastSeen: time.Now(),
	}); err != nil {
		m.logger.Debug("offline presence write failed", "err", err)
	}
}

// SetCurrentCall records which call currently owns this user, mirrored into
// the presence record on the next heartbeat. An empty id clears it.
func (m *ListenerManager) SetCurrentCall(callID string) {
	m.presenceMu.Lock()
	m.currentCallID = callID
	m.presenceMu.Unlock()
}

func (m *ListenerManager) onPrimaryEvent(ev store.Event) {
	m.handle("primary", ev.Record)
}

func (m *ListenerManager) onBackupEvent(ev store.Event) {
	if ev.Record.ReceiverID != m.cfg.SelfID {
		return
	}
	m.handle("backup", ev.Record)
}

// handle is the de-duplication gate shared by every path.
func (m *ListenerManager) handle(path string, rec call.Record) {
	if rec.Status != call.StatusRinging {
		return
	}

	key := rec.ID + "|" + string(rec.Status)
	m.mu.Lock()
	if _, dup := m.seen[key]; dup {
		m.mu.Unlock()
		m.cfg.Metrics.Inc(metrics.EventsDeduplicated)
		return
	}
	m.seen[key] = struct{}{}
	m.mu.Unlock()

	m.logger.Info("incoming call detected", "call_id", rec.ID, "caller_id", rec.CallerID, "path", path)

	// Fallback discovery channel: park the ringing call id in our own
	// presence record for the poller (possibly on another process) to find.
	m.writeIncomingPointer(rec.ID)

	m.cfg.Handler.IncomingCall(rec)
}

func (m *ListenerManager) writeIncomingPointer(callID string) {
	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()
	p := m.presenceSnapshot()
	p.IncomingCallPointer = callID
	if err := m.cfg.Store.UpsertPresence(ctx, p); err != nil {
		m.pathFailed("presence", err)
	}
}

func (m *ListenerManager) presenceSnapshot() call.Presence {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	return call.Presence{
		UserID:        m.cfg.SelfID,
		Online:        true,
		LastSeen:      time.Now(),
		CurrentCallID: m.currentCallID,
	}
}

func (m *ListenerManager) goOnline() error {
	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()
	return m.cfg.Store.UpsertPresence(ctx, m.presenceSnapshot())
}

// presenceLoop heartbeats the presence record and polls the
// IncomingCallPointer as the lowest-priority discovery path.
func (m *ListenerManager) presenceLoop() {
	defer m.wg.Done()

	heartbeat := m.cfg.PresenceHeartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	hbTicker := time.NewTicker(heartbeat)
	defer hbTicker.Stop()

	var pollC <-chan time.Time
	if m.cfg.PresencePollInterval > 0 {
		pollTicker := time.NewTicker(m.cfg.PresencePollInterval)
		defer pollTicker.Stop()
		pollC = pollTicker.C
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-hbTicker.C:
			if err := m.goOnline(); err != nil {
				m.pathFailed("presence", err)
			}
		case <-pollC:
			m.pollIncomingPointer()
		}
	}
}

func (m *ListenerManager) pollIncomingPointer() {
	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()

	p, err := m.cfg.Store.GetPresence(ctx, m.cfg.SelfID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.pathFailed("poller", err)
		}
		return
	}
	if p.IncomingCallPointer == "" {
		return
	}

	rec, err := m.cfg.Store.Get(ctx, p.IncomingCallPointer)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.pathFailed("poller", err)
		}
		return
	}
	if rec.ReceiverID != m.cfg.SelfID {
		return
	}
	m.handle("poller", rec)
}

func (m *ListenerManager) pathFailed(path string, err error) {
	m.cfg.Metrics.Inc(metrics.ListenerPathFailed)
	m.logger.Warn("listener path failure", "path", path, "err", err)
}
