package storebridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/store"
)

var errClientClosed = errors.New("storebridge: client closed")

type ClientConfig struct {
	// URL is the bridge WebSocket endpoint (ws:// or wss://).
	URL string

	// Exactly one of APIKey/Token is sent in the auth handshake.
	APIKey string
	Token  string

	Logger *slog.Logger
}

// Client implements store.Store against a running bridge. A single read
// loop correlates results by seq and fans subscription traffic out to the
// registered handlers, which preserves the backend's per-record order.
type Client struct {
	cfg  ClientConfig
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan response
	events  map[string]func(store.Event)
	cands   map[string]func(call.CandidateRecord)
	closed  bool
}

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", store.ErrUnavailable, cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint64]chan response),
		events:  make(map[string]func(store.Event)),
		cands:   make(map[string]func(call.CandidateRecord)),
	}
	go c.readLoop()

	if _, err := c.call(ctx, request{Op: opAuth, APIKey: cfg.APIKey, Token: cfg.Token}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("storebridge auth: %w", err)
	}
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			_ = c.Close()
			return
		}
		var resp response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.cfg.Logger.Warn("bad bridge payload", "err", err)
			continue
		}

		switch resp.Op {
		case opResult:
			c.mu.Lock()
			ch, ok := c.pending[resp.Seq]
			delete(c.pending, resp.Seq)
			c.mu.Unlock()
			if ok {
				ch <- resp
				close(ch)
			}

		case opEvent:
			c.mu.Lock()
			fn := c.events[resp.Sub]
			c.mu.Unlock()
			if fn != nil && resp.Record != nil {
				fn(store.Event{Kind: resp.Kind, Record: *resp.Record})
			}

		case opCandidate:
			c.mu.Lock()
			fn := c.cands[resp.Sub]
			c.mu.Unlock()
			if fn != nil && resp.Candidate != nil {
				fn(*resp.Candidate)
			}

		default:
			c.cfg.Logger.Warn("unexpected bridge op", "op", string(resp.Op))
		}
	}
}

func (c *Client) call(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return response{}, fmt.Errorf("%w: %v", store.ErrUnavailable, errClientClosed)
	}
	c.seq++
	req.Seq = c.seq
	ch := make(chan response, 1)
	c.pending[req.Seq] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		c.dropPending(req.Seq)
		return response{}, fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(req.Seq)
		return response{}, fmt.Errorf("%w: write: %v", store.ErrUnavailable, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(req.Seq)
		return response{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return response{}, fmt.Errorf("%w: %v", store.ErrUnavailable, errClientClosed)
		}
		if err := resp.Error.Err(); err != nil {
			return response{}, err
		}
		return resp, nil
	}
}

func (c *Client) dropPending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) Create(ctx context.Context, rec call.Record) error {
	_, err := c.call(ctx, request{Op: opCreate, Record: &rec})
	return err
}

func (c *Client) Get(ctx context.Context, callID string) (call.Record, error) {
	resp, err := c.call(ctx, request{Op: opGet, CallID: callID})
	if err != nil {
		return call.Record{}, err
	}
	if resp.Record == nil {
		return call.Record{}, fmt.Errorf("%w: empty get result", store.ErrUnavailable)
	}
	return *resp.Record, nil
}

func (c *Client) Update(ctx context.Context, callID string, fields store.Fields, expected call.Status) error {
	wf := fieldsToWire(fields)
	_, err := c.call(ctx, request{Op: opUpdate, CallID: callID, Fields: &wf, Expected: expected})
	return err
}

func (c *Client) AppendCandidate(ctx context.Context, cand call.CandidateRecord) error {
	_, err := c.call(ctx, request{Op: opAppendCandidate, Candidate: &cand})
	return err
}

func (c *Client) Subscribe(ctx context.Context, filter store.Filter, fn func(store.Event)) (store.UnsubscribeFunc, error) {
	subID := uuid.NewString()

	c.mu.Lock()
	c.events[subID] = fn
	c.mu.Unlock()

	wf := filterToWire(filter)
	if _, err := c.call(ctx, request{Op: opSubscribe, Sub: subID, Filter: &wf}); err != nil {
		c.mu.Lock()
		delete(c.events, subID)
		c.mu.Unlock()
		return nil, err
	}

	// The subscription lives until unsubscribed or ctx is done, same as the
	// in-memory backend.
	unsub := c.unsubscribeFunc(subID)
	stop := context.AfterFunc(ctx, unsub)
	return func() {
		stop()
		unsub()
	}, nil
}

func (c *Client) SubscribeCandidates(ctx context.Context, callID string, origin call.Origin, sinceCursor int, fn func(call.CandidateRecord)) (store.UnsubscribeFunc, error) {
	subID := uuid.NewString()

	c.mu.Lock()
	c.cands[subID] = fn
	c.mu.Unlock()

	req := request{Op: opSubscribeCandidates, Sub: subID, CallID: callID, Origin: origin, Cursor: sinceCursor}
	if _, err := c.call(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.cands, subID)
		c.mu.Unlock()
		return nil, err
	}

	unsub := c.unsubscribeFunc(subID)
	stop := context.AfterFunc(ctx, unsub)
	return func() {
		stop()
		unsub()
	}, nil
}

// unsubscribeFunc is idempotent: it may be invoked both by the caller and by
// ctx expiry, and only the first call sends the wire unsubscribe.
func (c *Client) unsubscribeFunc(subID string) store.UnsubscribeFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.events, subID)
			delete(c.cands, subID)
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
			defer cancel()
			if _, err := c.call(ctx, request{Op: opUnsubscribe, Sub: subID}); err != nil {
				c.cfg.Logger.Debug("unsubscribe", "sub", subID, "err", err)
			}
		})
	}
}

func (c *Client) UpsertPresence(ctx context.Context, p call.Presence) error {
	_, err := c.call(ctx, request{Op: opUpsertPresence, Presence: &p})
	return err
}

func (c *Client) GetPresence(ctx context.Context, userID string) (call.Presence, error) {
	resp, err := c.call(ctx, request{Op: opGetPresence, UserID: userID})
	if err != nil {
		return call.Presence{}, err
	}
	if resp.Presence == nil {
		return call.Presence{}, fmt.Errorf("%w: empty presence result", store.ErrUnavailable)
	}
	return *resp.Presence, nil
}
