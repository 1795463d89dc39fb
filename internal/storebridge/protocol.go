// Package storebridge exposes the signaling store over WebSocket, for
// deployments where peers cannot reach a shared document database directly.
// The Server wraps any store.Store; the Client implements store.Store
// against a running bridge.
//
// The wire protocol is request/response with server-pushed subscription
// events. Requests carry a client-chosen seq echoed on the response;
// subscription traffic carries the client-chosen sub id instead.
package storebridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/store"
)

type opType string

const (
	opAuth                opType = "auth"
	opCreate              opType = "create"
	opGet                 opType = "get"
	opUpdate              opType = "update"
	opAppendCandidate     opType = "appendCandidate"
	opSubscribe           opType = "subscribe"
	opSubscribeCandidates opType = "subscribeCandidates"
	opUnsubscribe         opType = "unsubscribe"
	opUpsertPresence      opType = "upsertPresence"
	opGetPresence         opType = "getPresence"

	opResult    opType = "result"
	opEvent     opType = "event"
	opCandidate opType = "candidate"
)

const (
	errCodeBadRequest   = "bad_request"
	errCodeUnauthorized = "unauthorized"
	errCodeConflict     = "conflict"
	errCodeNotFound     = "not_found"
	errCodeUnavailable  = "unavailable"
	errCodeInternal     = "internal"
)

// updateFields is the wire form of store.Fields.
type updateFields struct {
	Status    call.Status              `json:"status"`
	Answer    *call.SessionDescription `json:"answer,omitempty"`
	EndReason call.EndReason           `json:"endReason,omitempty"`
	EndedAt   *time.Time               `json:"endedAt,omitempty"`
}

func fieldsToWire(f store.Fields) updateFields {
	return updateFields{
		Status:    f.Status,
		Answer:    f.Answer,
		EndReason: f.EndReason,
		EndedAt:   f.EndedAt,
	}
}

func (f updateFields) toStore() store.Fields {
	return store.Fields{
		Status:    f.Status,
		Answer:    f.Answer,
		EndReason: f.EndReason,
		EndedAt:   f.EndedAt,
	}
}

// wireFilter is the wire form of store.Filter.
type wireFilter struct {
	ReceiverID string        `json:"receiverId,omitempty"`
	CallerID   string        `json:"callerId,omitempty"`
	CallID     string        `json:"callId,omitempty"`
	Statuses   []call.Status `json:"statuses,omitempty"`
}

func filterToWire(f store.Filter) wireFilter {
	return wireFilter{
		ReceiverID: f.ReceiverID,
		CallerID:   f.CallerID,
		CallID:     f.CallID,
		Statuses:   f.Statuses,
	}
}

func (f wireFilter) toStore() store.Filter {
	return store.Filter{
		ReceiverID: f.ReceiverID,
		CallerID:   f.CallerID,
		CallID:     f.CallID,
		Statuses:   f.Statuses,
	}
}

// request is a client->server message.
type request struct {
	Op  opType `json:"op"`
	Seq uint64 `json:"seq,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	Record    *call.Record          `json:"record,omitempty"`
	CallID    string                `json:"callId,omitempty"`
	Fields    *updateFields         `json:"fields,omitempty"`
	Expected  call.Status           `json:"expected,omitempty"`
	Candidate *call.CandidateRecord `json:"candidate,omitempty"`
	Sub       string                `json:"sub,omitempty"`
	Filter    *wireFilter           `json:"filter,omitempty"`
	Origin    call.Origin           `json:"origin,omitempty"`
	Cursor    int                   `json:"cursor,omitempty"`
	Presence  *call.Presence        `json:"presence,omitempty"`
	UserID    string                `json:"userId,omitempty"`
}

// response is a server->client message.
type response struct {
	Op  opType `json:"op"`
	Seq uint64 `json:"seq,omitempty"`

	Error *wireError `json:"error,omitempty"`

	Record   *call.Record   `json:"record,omitempty"`
	Presence *call.Presence `json:"presence,omitempty"`

	Sub       string                `json:"sub,omitempty"`
	Kind      store.EventKind       `json:"kind,omitempty"`
	Candidate *call.CandidateRecord `json:"candidate,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Err() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case errCodeConflict:
		return store.ErrConflict
	case errCodeNotFound:
		return store.ErrNotFound
	case errCodeUnavailable:
		return fmt.Errorf("%w: %s", store.ErrUnavailable, e.Message)
	}
	return fmt.Errorf("storebridge: %s: %s", e.Code, e.Message)
}

func parseRequest(data []byte) (request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req request
	if err := dec.Decode(&req); err != nil {
		return request{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return request{}, fmt.Errorf("unexpected trailing data")
	}
	if err := req.validate(); err != nil {
		return request{}, err
	}
	return req, nil
}

func (r request) validate() error {
	switch r.Op {
	case opAuth:
		if r.APIKey == "" && r.Token == "" {
			return fmt.Errorf("auth request missing apiKey/token")
		}
	case opCreate:
		if r.Record == nil {
			return fmt.Errorf("create request missing record")
		}
	case opGet:
		if r.CallID == "" {
			return fmt.Errorf("get request missing callId")
		}
	case opUpdate:
		if r.CallID == "" || r.Fields == nil || r.Expected == "" {
			return fmt.Errorf("update request missing callId/fields/expected")
		}
	case opAppendCandidate:
		if r.Candidate == nil || r.Candidate.CallID == "" {
			return fmt.Errorf("appendCandidate request missing candidate")
		}
	case opSubscribe:
		if r.Sub == "" || r.Filter == nil {
			return fmt.Errorf("subscribe request missing sub/filter")
		}
	case opSubscribeCandidates:
		if r.Sub == "" || r.CallID == "" || r.Origin == "" {
			return fmt.Errorf("subscribeCandidates request missing sub/callId/origin")
		}
	case opUnsubscribe:
		if r.Sub == "" {
			return fmt.Errorf("unsubscribe request missing sub")
		}
	case opUpsertPresence:
		if r.Presence == nil || r.Presence.UserID == "" {
			return fmt.Errorf("upsertPresence request missing presence")
		}
	case opGetPresence:
		if r.UserID == "" {
			return fmt.Errorf("getPresence request missing userId")
		}
	default:
		return fmt.Errorf("unsupported op %q", r.Op)
	}
	return nil
}
