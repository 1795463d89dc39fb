package storebridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenwicklabs/dialtone/internal/auth"
	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/ratelimit"
	"github.com/fenwicklabs/dialtone/internal/store"
)

const (
	wsWriteWait        = 1 * time.Second
	defaultAuthTimeout = 10 * time.Second
	defaultMaxMsgBytes = 64 * 1024
	defaultMsgsPerSec  = 50
)

type ServerConfig struct {
	AuthMode  auth.Mode
	APIKey    string
	JWTSecret string

	// AuthTimeout bounds how long an unauthenticated connection may sit
	// before sending its auth message.
	AuthTimeout       time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int64

	Logger *slog.Logger
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMsgBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMsgsPerSec
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server serves the bridge protocol over WebSocket, delegating every
// operation to the wrapped store.
type Server struct {
	cfg      ServerConfig
	backend  store.Store
	verifier auth.Verifier
	upgrader websocket.Upgrader
}

func NewServer(backend store.Store, cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()
	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		backend:  backend,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &bridgeConn{
		srv:  s,
		conn: conn,
		subs: make(map[string]store.UnsubscribeFunc),
	}
	c.serve(r)
}

// bridgeConn is one client connection. Requests are handled on the read
// loop; subscription callbacks push from store goroutines, so every write
// goes through writeJSON's mutex.
type bridgeConn struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]store.UnsubscribeFunc

	subject string
}

func (c *bridgeConn) serve(r *http.Request) {
	defer c.conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer c.dropSubs()

	authenticated := false
	if cred := credentialFromQuery(c.srv.cfg.AuthMode, r); cred != "" {
		subject, err := c.srv.verifier.Verify(cred)
		if err != nil {
			c.writeClose(websocket.ClosePolicyViolation, "invalid credentials")
			return
		}
		c.subject = subject
		authenticated = true
	}
	if !authenticated {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	}

	limiter := ratelimit.NewTokenBucket(nil, c.srv.cfg.MessagesPerSecond, c.srv.cfg.MessagesPerSecond)

	for {
		if !limiter.Allow(1) {
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := c.conn.NextReader()
		if err != nil {
			if !authenticated && isTimeout(err) {
				c.writeClose(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, c.srv.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.writeClose(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}

		req, err := parseRequest(msg)
		if err != nil {
			c.result(0, &wireError{Code: errCodeBadRequest, Message: err.Error()})
			c.writeClose(websocket.CloseUnsupportedData, "invalid message")
			return
		}

		if !authenticated {
			if req.Op != opAuth {
				c.writeClose(websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred := req.APIKey
			if c.srv.cfg.AuthMode == auth.ModeJWT {
				cred = req.Token
			}
			subject, err := c.srv.verifier.Verify(cred)
			if err != nil {
				c.result(req.Seq, &wireError{Code: errCodeUnauthorized, Message: "invalid credentials"})
				c.writeClose(websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			c.subject = subject
			authenticated = true
			_ = c.conn.SetReadDeadline(time.Time{})
			c.result(req.Seq, nil)
			continue
		}
		if req.Op == opAuth {
			c.result(req.Seq, nil)
			continue
		}

		c.handle(ctx, req)
	}
}

func (c *bridgeConn) handle(ctx context.Context, req request) {
	switch req.Op {
	case opCreate:
		c.result(req.Seq, errToWire(c.srv.backend.Create(ctx, *req.Record)))

	case opGet:
		rec, err := c.srv.backend.Get(ctx, req.CallID)
		if err != nil {
			c.result(req.Seq, errToWire(err))
			return
		}
		c.send(response{Op: opResult, Seq: req.Seq, Record: &rec})

	case opUpdate:
		err := c.srv.backend.Update(ctx, req.CallID, req.Fields.toStore(), req.Expected)
		c.result(req.Seq, errToWire(err))

	case opAppendCandidate:
		c.result(req.Seq, errToWire(c.srv.backend.AppendCandidate(ctx, *req.Candidate)))

	case opSubscribe:
		c.subscribe(ctx, req)

	case opSubscribeCandidates:
		c.subscribeCandidates(ctx, req)

	case opUnsubscribe:
		c.unsubscribe(req.Sub)
		c.result(req.Seq, nil)

	case opUpsertPresence:
		c.result(req.Seq, errToWire(c.srv.backend.UpsertPresence(ctx, *req.Presence)))

	case opGetPresence:
		p, err := c.srv.backend.GetPresence(ctx, req.UserID)
		if err != nil {
			c.result(req.Seq, errToWire(err))
			return
		}
		c.send(response{Op: opResult, Seq: req.Seq, Presence: &p})

	default:
		c.result(req.Seq, &wireError{Code: errCodeBadRequest, Message: "unsupported op"})
	}
}

func (c *bridgeConn) subscribe(ctx context.Context, req request) {
	subID := req.Sub
	unsub, err := c.srv.backend.Subscribe(ctx, req.Filter.toStore(), func(ev store.Event) {
		rec := ev.Record
		c.send(response{Op: opEvent, Sub: subID, Kind: ev.Kind, Record: &rec})
	})
	if err != nil {
		c.result(req.Seq, errToWire(err))
		return
	}
	c.trackSub(subID, unsub)
	c.result(req.Seq, nil)
}

func (c *bridgeConn) subscribeCandidates(ctx context.Context, req request) {
	subID := req.Sub
	unsub, err := c.srv.backend.SubscribeCandidates(ctx, req.CallID, req.Origin, req.Cursor, func(cand call.CandidateRecord) {
		c.send(response{Op: opCandidate, Sub: subID, Candidate: &cand})
	})
	if err != nil {
		c.result(req.Seq, errToWire(err))
		return
	}
	c.trackSub(subID, unsub)
	c.result(req.Seq, nil)
}

func (c *bridgeConn) trackSub(id string, unsub store.UnsubscribeFunc) {
	c.subMu.Lock()
	if prev, ok := c.subs[id]; ok {
		prev()
	}
	c.subs[id] = unsub
	c.subMu.Unlock()
}

func (c *bridgeConn) unsubscribe(id string) {
	c.subMu.Lock()
	unsub, ok := c.subs[id]
	delete(c.subs, id)
	c.subMu.Unlock()
	if ok {
		unsub()
	}
}

func (c *bridgeConn) dropSubs() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[string]store.UnsubscribeFunc)
	c.subMu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

func (c *bridgeConn) result(seq uint64, werr *wireError) {
	c.send(response{Op: opResult, Seq: seq, Error: werr})
}

func (c *bridgeConn) send(resp response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.srv.cfg.Logger.Error("encode response", "err", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *bridgeConn) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func errToWire(err error) *wireError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return &wireError{Code: errCodeConflict, Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return &wireError{Code: errCodeNotFound, Message: err.Error()}
	case errors.Is(err, store.ErrUnavailable):
		return &wireError{Code: errCodeUnavailable, Message: err.Error()}
	}
	return &wireError{Code: errCodeInternal, Message: err.Error()}
}

func credentialFromQuery(mode auth.Mode, r *http.Request) string {
	q := r.URL.Query()
	if mode == auth.ModeJWT {
		return q.Get("token")
	}
	return q.Get("apiKey")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
