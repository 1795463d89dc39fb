// Package httpapi is the local control surface for the peer daemon. It is
// meant to be bound to loopback; the UI drives calls through it.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/config"
	"github.com/fenwicklabs/dialtone/internal/coordinator"
	"github.com/fenwicklabs/dialtone/internal/metrics"
	"github.com/fenwicklabs/dialtone/internal/store"
)

var ErrServerClosed = http.ErrServerClosed

const maxRequestBodyBytes = 64 * 1024

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	manager *coordinator.Manager

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, manager *coordinator.Manager, build BuildInfo) *Server {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		manager: manager,
		mux:     http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

type callView struct {
	ID        string         `json:"id"`
	PeerID    string         `json:"peerId"`
	MediaType call.MediaType `json:"mediaType"`
	State     string         `json:"state"`
}

func viewOf(c *coordinator.Coordinator) callView {
	return callView{
		ID:        c.ID(),
		PeerID:    c.PeerID(),
		MediaType: c.MediaType(),
		State:     string(c.State()),
	}
}

type startCallRequest struct {
	PeerID    string         `json:"peerId"`
	MediaType call.MediaType `json:"mediaType"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.manager.Metrics()))

	s.mux.HandleFunc("POST /call", func(w http.ResponseWriter, r *http.Request) {
		var req startCallRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if req.PeerID == "" {
			writeError(w, http.StatusBadRequest, "missing peerId")
			return
		}
		c, err := s.manager.StartCall(r.Context(), req.PeerID, req.MediaType)
		if err != nil {
			s.writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, viewOf(c))
	})

	s.mux.HandleFunc("GET /call/active", func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.manager.Active()
		if !ok {
			writeError(w, http.StatusNotFound, "no active call")
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(c))
	})

	s.mux.HandleFunc("GET /call/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.manager.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown call")
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(c))
	})

	s.mux.HandleFunc("POST /call/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		c, err := s.manager.Accept(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(c))
	})

	s.mux.HandleFunc("POST /call/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		if err := s.manager.Reject(r.Context(), r.PathValue("id")); err != nil {
			s.writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("POST /call/{id}/hangup", func(w http.ResponseWriter, r *http.Request) {
		s.manager.Hangup(r.PathValue("id"))
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("POST /call/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		s.toggle(w, r, func(c *coordinator.Coordinator, enabled bool) {
			c.SetAudioEnabled(enabled)
		})
	})

	s.mux.HandleFunc("POST /call/{id}/video", func(w http.ResponseWriter, r *http.Request) {
		s.toggle(w, r, func(c *coordinator.Coordinator, enabled bool) {
			c.SetVideoEnabled(enabled)
		})
	})

	s.mux.HandleFunc("POST /call/{id}/speakerphone", func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.manager.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown call")
			return
		}
		var req toggleRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if err := c.SetSpeakerphone(req.Enabled); err != nil {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("POST /call/{id}/camera/switch", func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.manager.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown call")
			return
		}
		if err := c.SwitchCamera(); err != nil {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, apply func(*coordinator.Coordinator, bool)) {
	c, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown call")
		return
	}
	var req toggleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	apply(c, req.Enabled)
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownCall):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrCallActive),
		errors.Is(err, coordinator.ErrNotIncoming),
		errors.Is(err, coordinator.ErrEnded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
