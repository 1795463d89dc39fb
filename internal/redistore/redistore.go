// Package redistore implements the signaling store on Redis.
//
// Records live as JSON values; the conditional status update runs as a Lua
// script so the compare-status-and-set is atomic on the server. Mutations
// are published to pub/sub channels from inside the same script, which
// gives subscribers per-record delivery in commit order. Pub/sub is fire
// and forget, so a subscriber that needs history replays current state
// first and de-duplicates; the layers above are built for at-least-once
// delivery anyway.
package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/store"
)

const (
	callKeyPrefix     = "dialtone:call:"
	candKeyPrefix     = "dialtone:cand:"
	presenceKeyPrefix = "dialtone:presence:"
	eventsChannel     = "dialtone:events"

	// presenceTTL bounds how long a stale presence record survives a
	// crashed peer. Heartbeats refresh it well within this window.
	presenceTTL = 90 * time.Second
)

// updateScript atomically applies fields iff the record's current status
// matches ARGV[1], then publishes the updated record. Returns "ok",
// "conflict" or "not_found".
var updateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'not_found'
end
local rec = cjson.decode(raw)
if rec['status'] ~= ARGV[1] then
  return 'conflict'
end
local fields = cjson.decode(ARGV[2])
for k, v in pairs(fields) do
  rec[k] = v
end
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out)
redis.call('PUBLISH', KEYS[2], out)
return 'ok'
`)

type Store struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func New(rdb redis.UniversalClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, logger: logger}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, op, err)
}

func (s *Store) Create(ctx context.Context, rec call.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, callKeyPrefix+rec.ID, raw, 0).Result()
	if err != nil {
		return unavailable("create", err)
	}
	if !ok {
		return store.ErrConflict
	}
	if err := s.rdb.Publish(ctx, eventsChannel, raw).Err(); err != nil {
		return unavailable("publish create", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, callID string) (call.Record, error) {
	raw, err := s.rdb.Get(ctx, callKeyPrefix+callID).Bytes()
	if err == redis.Nil {
		return call.Record{}, store.ErrNotFound
	}
	if err != nil {
		return call.Record{}, unavailable("get", err)
	}
	var rec call.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return call.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, callID string, fields store.Fields, expected call.Status) error {
	patch := map[string]any{"status": string(fields.Status)}
	if fields.Answer != nil {
		patch["answer"] = fields.Answer
	}
	if fields.EndReason != "" {
		patch["endReason"] = string(fields.EndReason)
	}
	if fields.EndedAt != nil {
		patch["endedAt"] = fields.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	rawPatch, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	res, err := updateScript.Run(ctx, s.rdb,
		[]string{callKeyPrefix + callID, eventsChannel},
		string(expected), string(rawPatch),
	).Text()
	if err != nil {
		return unavailable("update", err)
	}
	switch res {
	case "ok":
		return nil
	case "conflict":
		return store.ErrConflict
	case "not_found":
		return store.ErrNotFound
	}
	return fmt.Errorf("update: unexpected script result %q", res)
}

func candKey(callID string, origin call.Origin) string {
	return candKeyPrefix + callID + ":" + string(origin)
}

func (s *Store) AppendCandidate(ctx context.Context, cand call.CandidateRecord) error {
	if cand.Timestamp.IsZero() {
		cand.Timestamp = time.Now()
	}
	raw, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}

	key := candKey(cand.CallID, cand.Origin)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Publish(ctx, key, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("append candidate", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, filter store.Filter, fn func(store.Event)) (store.UnsubscribeFunc, error) {
	sub := s.rdb.Subscribe(ctx, eventsChannel)
	// Force the subscription onto the wire before replay, so nothing
	// committed after the replay snapshot is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, unavailable("subscribe", err)
	}

	seen := make(map[string]call.Status)
	deliver := func(rec call.Record, kind store.EventKind) {
		if !filter.Matches(rec) {
			return
		}
		// Collapse the replay/live overlap: a record already delivered at
		// this status is a duplicate.
		if prev, ok := seen[rec.ID]; ok && prev == rec.Status {
			return
		}
		seen[rec.ID] = rec.Status
		fn(store.Event{Kind: kind, Record: rec})
	}

	replay, err := s.scanRecords(ctx)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Close()

		for _, rec := range replay {
			deliver(rec, store.EventAdded)
		}

		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec call.Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					s.logger.Warn("bad event payload", "err", err)
					continue
				}
				deliver(rec, store.EventModified)
			}
		}
	}()

	return func() { cancel() }, nil
}

func (s *Store) scanRecords(ctx context.Context) ([]call.Record, error) {
	var out []call.Record
	iter := s.rdb.Scan(ctx, 0, callKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, unavailable("scan", err)
		}
		var rec call.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("bad stored record", "key", iter.Val(), "err", err)
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return out, nil
}

func (s *Store) SubscribeCandidates(ctx context.Context, callID string, origin call.Origin, sinceCursor int, fn func(call.CandidateRecord)) (store.UnsubscribeFunc, error) {
	key := candKey(callID, origin)
	sub := s.rdb.Subscribe(ctx, key)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, unavailable("subscribe candidates", err)
	}

	replayRaw, err := s.rdb.LRange(ctx, key, int64(sinceCursor), -1).Result()
	if err != nil {
		_ = sub.Close()
		return nil, unavailable("candidate replay", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Close()

		// Replay overlaps the live feed; candidate ids collapse the overlap.
		seen := make(map[string]struct{})
		deliver := func(raw string) {
			var cand call.CandidateRecord
			if err := json.Unmarshal([]byte(raw), &cand); err != nil {
				s.logger.Warn("bad candidate payload", "err", err)
				return
			}
			if _, dup := seen[cand.ID]; dup {
				return
			}
			seen[cand.ID] = struct{}{}
			fn(cand)
		}

		for _, raw := range replayRaw {
			deliver(raw)
		}

		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliver(msg.Payload)
			}
		}
	}()

	return func() { cancel() }, nil
}

func (s *Store) UpsertPresence(ctx context.Context, p call.Presence) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.rdb.Set(ctx, presenceKeyPrefix+p.UserID, raw, presenceTTL).Err(); err != nil {
		return unavailable("upsert presence", err)
	}
	return nil
}

func (s *Store) GetPresence(ctx context.Context, userID string) (call.Presence, error) {
	raw, err := s.rdb.Get(ctx, presenceKeyPrefix+userID).Bytes()
	if err == redis.Nil {
		return call.Presence{}, store.ErrNotFound
	}
	if err != nil {
		return call.Presence{}, unavailable("get presence", err)
	}
	var p call.Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return call.Presence{}, fmt.Errorf("unmarshal presence: %w", err)
	}
	return p, nil
}
