package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/config"
	"github.com/fenwicklabs/dialtone/internal/coordinator"
	"github.com/fenwicklabs/dialtone/internal/engine"
	"github.com/fenwicklabs/dialtone/internal/memstore"
)

type stubEngine struct{}

func (stubEngine) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	return call.SessionDescription{Type: call.SDPTypeOffer, SDP: "v=0"}, nil
}

func (stubEngine) CreateAnswer(ctx context.Context) (call.SessionDescription, error) {
	return call.SessionDescription{Type: call.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (stubEngine) SetRemoteDescription(call.SessionDescription) error { return nil }

func (stubEngine) AddICECandidate(call.ICECandidate) error { return nil }

func (stubEngine) OnICECandidate(func(call.ICECandidate)) {}

func (stubEngine) OnConnectionState(func(engine.TransportState)) {}

func (stubEngine) OnTrack(func(engine.Track)) {}

func (stubEngine) SetAudioEnabled(bool) {}

func (stubEngine) SetVideoEnabled(bool) {}

func (stubEngine) SwitchCamera() error { return nil }

func (stubEngine) SetSpeakerphone(bool) error { return nil }

func (stubEngine) Close() error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := memstore.New()
	t.Cleanup(st.Close)

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := coordinator.NewManager(coordinator.ManagerConfig{
		SelfID: "alice",
		Store:  st,
		Engine: func(ctx context.Context, mt call.MediaType) (engine.Engine, error) {
			return stubEngine{}, nil
		},
		Logger:      logger,
		RingTimeout: time.Minute,
	})
	t.Cleanup(mgr.Close)

	s := New(config.Config{HTTPListenAddr: "127.0.0.1:0"}, logger, mgr, BuildInfo{Commit: "abc123", BuildTime: "now"})
	s.ready.Store(true)
	return s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (s *Server) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) callView {
	t.Helper()
	var v callView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return v
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := s.do(t, "GET", "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	rec := s.do(t, "GET", "/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("version = %d", rec.Code)
	}
	var build BuildInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &build); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if build.Commit != "abc123" {
		t.Fatalf("commit = %q", build.Commit)
	}
}

func TestReadyzReflectsShutdown(t *testing.T) {
	s := newTestServer(t)
	s.ready.Store(false)
	if rec := s.do(t, "GET", "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while not ready = %d", rec.Code)
	}
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/call", `{"peerId":"bob","mediaType":"audio"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start call = %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeView(t, rec)
	if view.PeerID != "bob" || view.MediaType != call.MediaAudio || view.State != "offering" {
		t.Fatalf("call view = %+v", view)
	}

	// Only one call at a time.
	if rec := s.do(t, "POST", "/call", `{"peerId":"carol","mediaType":"audio"}`); rec.Code != http.StatusConflict {
		t.Fatalf("second call = %d", rec.Code)
	}

	if got := decodeView(t, s.do(t, "GET", "/call/active", "")); got.ID != view.ID {
		t.Fatalf("active = %+v, want %s", got, view.ID)
	}
	if got := decodeView(t, s.do(t, "GET", "/call/"+view.ID, "")); got.ID != view.ID {
		t.Fatalf("by id = %+v", got)
	}

	if rec := s.do(t, "POST", "/call/"+view.ID+"/audio", `{"enabled":false}`); rec.Code != http.StatusOK {
		t.Fatalf("audio toggle = %d", rec.Code)
	}

	if rec := s.do(t, "POST", "/call/"+view.ID+"/hangup", ""); rec.Code != http.StatusOK {
		t.Fatalf("hangup = %d", rec.Code)
	}
	if rec := s.do(t, "GET", "/call/active", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("active after hangup = %d", rec.Code)
	}
	// Idempotent at the API level too.
	if rec := s.do(t, "POST", "/call/"+view.ID+"/hangup", ""); rec.Code != http.StatusOK {
		t.Fatalf("second hangup = %d", rec.Code)
	}
}

func TestCallValidationErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing peer", `{"mediaType":"audio"}`, http.StatusBadRequest},
		{"bad media type", `{"peerId":"bob","mediaType":"screen"}`, http.StatusBadRequest},
		{"unknown field", `{"peerId":"bob","mediaType":"audio","codec":"opus"}`, http.StatusBadRequest},
		{"not json", `peer=bob`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := s.do(t, "POST", "/call", tc.body); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	if rec := s.do(t, "GET", "/call/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown call = %d", rec.Code)
	}
	if rec := s.do(t, "POST", "/call/nope/accept", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("accept unknown = %d", rec.Code)
	}
	if rec := s.do(t, "POST", "/call/nope/reject", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("reject unknown = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, "POST", "/call", `{"peerId":"bob","mediaType":"audio"}`); rec.Code != http.StatusCreated {
		t.Fatalf("start call = %d", rec.Code)
	}

	rec := s.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `dialtone_events_total{event="calls_started"} 1`) {
		t.Fatalf("metrics body:\n%s", rec.Body.String())
	}
}
