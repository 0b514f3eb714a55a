// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/ferrite-labs/mcpstream/internal/jsonrpc2"
	internaljson "github.com/ferrite-labs/mcpstream/internal/json"
)

// EventStore persists outbound messages written to a resumable SSE stream so
// a reconnecting client can replay everything it missed by presenting the
// last event id it saw.
//
// StoreEvent is called for every frame written on a resumable stream;
// ReplayEventsAfter is called once, on GET reconnect, with a client-supplied
// Last-Event-ID.
type EventStore interface {
	// StoreEvent persists message as the next event on streamID and returns
	// a new, globally unique event id for it.
	StoreEvent(ctx context.Context, streamID string, message jsonrpc2.Message) (eventID string, err error)

	// ReplayEventsAfter calls send for every event stored after lastEventID,
	// in original order, on the same stream lastEventID belonged to. It
	// returns that stream's id so the caller can adopt it for new events.
	ReplayEventsAfter(ctx context.Context, lastEventID string, send func(eventID string, message jsonrpc2.Message) error) (streamID string, err error)
}

func formatEventID(streamID, uid string) string {
	return streamID + "_" + uid
}

// parseEventID recovers the streamID encoded in an event id of the form
// "<streamID>_<uuid>".
func parseEventID(eventID string) (streamID string, ok bool) {
	for i := len(eventID) - 1; i >= 0; i-- {
		if eventID[i] == '_' {
			return eventID[:i], true
		}
	}
	return "", false
}

// storedEvent is one persisted (eventID, message) pair within a stream.
type storedEvent struct {
	id      string
	message jsonrpc2.Message
}

// MemoryEventStore is a non-durable EventStore backed by an in-process map.
// It is safe for concurrent use, and is lost on process restart — matching
// the transport's session identity, which is likewise not durable.
type MemoryEventStore struct {
	mu      sync.Mutex
	byIndex map[string][]storedEvent // streamID -> ordered events
}

// NewMemoryEventStore creates an empty MemoryEventStore.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{byIndex: make(map[string][]storedEvent)}
}

func (s *MemoryEventStore) StoreEvent(ctx context.Context, streamID string, message jsonrpc2.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := formatEventID(streamID, uuid.NewString())
	s.byIndex[streamID] = append(s.byIndex[streamID], storedEvent{id: id, message: message})
	return id, nil
}

func (s *MemoryEventStore) ReplayEventsAfter(ctx context.Context, lastEventID string, send func(string, jsonrpc2.Message) error) (string, error) {
	streamID, ok := parseEventID(lastEventID)
	if !ok {
		return "", fmt.Errorf("malformed event id %q", lastEventID)
	}
	s.mu.Lock()
	events := append([]storedEvent(nil), s.byIndex[streamID]...)
	s.mu.Unlock()

	found := false
	for _, ev := range events {
		if !found {
			if ev.id == lastEventID {
				found = true
			}
			continue
		}
		if err := send(ev.id, ev.message); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

// defaultEventTTL bounds how long a disconnected stream's events are kept
// around for replay before Redis reclaims the key on its own.
const defaultEventTTL = 24 * time.Hour

// RedisEventStore is a durable EventStore backed by Redis, for deployments
// that need replay to survive a server restart even though session identity
// itself does not. Each stream's events live in a Redis list under
// "<prefix><streamID>", each entry a JSON-encoded redisEventRecord. The key's TTL
// is refreshed on every write, so an idle stream's events expire instead of
// accumulating forever, the way viant-jsonrpc's redis_store.go renews its
// grant keys on each update.
type RedisEventStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisEventStore creates a RedisEventStore using rdb. prefix namespaces
// the keys this store writes, defaulting to "mcpstream:events:". ttl bounds
// how long an idle stream's events are retained, defaulting to 24h; pass a
// negative value for no expiry.
func NewRedisEventStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisEventStore {
	if prefix == "" {
		prefix = "mcpstream:events:"
	}
	if ttl == 0 {
		ttl = defaultEventTTL
	}
	return &RedisEventStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisEventStore) key(streamID string) string {
	return s.prefix + streamID
}

type redisEventRecord struct {
	ID      string          `json:"id"`
	Message redisRawMessage `json:"message"`
}

// redisRawMessage carries an encoded jsonrpc2.Message through JSON without
// needing jsonrpc2 to export a concrete union type.
type redisRawMessage []byte

func (s *RedisEventStore) StoreEvent(ctx context.Context, streamID string, message jsonrpc2.Message) (string, error) {
	encoded, err := jsonrpc2.EncodeMessage(message)
	if err != nil {
		return "", err
	}
	id := formatEventID(streamID, uuid.NewString())
	rec := redisEventRecord{ID: id, Message: encoded}
	data, err := internaljson.Marshal(rec)
	if err != nil {
		return "", err
	}
	key := s.key(streamID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisEventStore) ReplayEventsAfter(ctx context.Context, lastEventID string, send func(string, jsonrpc2.Message) error) (string, error) {
	streamID, ok := parseEventID(lastEventID)
	if !ok {
		return "", fmt.Errorf("malformed event id %q", lastEventID)
	}
	raw, err := s.rdb.LRange(ctx, s.key(streamID), 0, -1).Result()
	if err != nil {
		return "", err
	}
	records := make([]redisEventRecord, 0, len(raw))
	for _, item := range raw {
		var rec redisEventRecord
		if err := internaljson.Unmarshal([]byte(item), &rec); err != nil {
			return "", err
		}
		records = append(records, rec)
	}
	found := false
	for _, rec := range records {
		if !found {
			if rec.ID == lastEventID {
				found = true
			}
			continue
		}
		msg, err := jsonrpc2.DecodeMessage(rec.Message)
		if err != nil {
			return streamID, err
		}
		if err := send(rec.ID, msg); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}
