package metrics

import "sync"

// Counter names used across the signaling core.
const (
	CallsStarted            = "calls_started"
	CallsAccepted           = "calls_accepted"
	CallsRejected           = "calls_rejected"
	CallsEndedManual        = "calls_ended_manual"
	CallsEndedTimeout       = "calls_ended_timeout"
	CallsEndedError         = "calls_ended_error"
	CallsEndedRemote        = "calls_ended_remote"
	MediaAcquisitionFailed  = "media_acquisition_failed"
	NegotiationFailed       = "negotiation_failed"
	UpdateConflictTolerated = "update_conflict_tolerated"
	StaleSignalIgnored      = "stale_signal_ignored"
	EventsDeduplicated      = "events_deduplicated"
	ListenerPathFailed      = "listener_path_failed"
	CandidatesBuffered      = "candidates_buffered"
	CandidatesRelayed       = "candidates_relayed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Deployments that want a real metrics backend scrape it through
// PrometheusHandler; the registry itself exists so the signaling logic stays
// testable without a metrics dependency.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
