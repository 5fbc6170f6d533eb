// Package adapter defines C3: the event-adapter contract every
// cluster node uses for broadcast pub/sub, per-identity presence, and
// (for the broker-backed variant) a durable unicast stream log.
//
// Two implementations satisfy this contract: adapter/memadapter, an
// in-process adapter for single-node deployments and tests, and
// adapter/redisadapter, a Redis-backed adapter for horizontally scaled
// clusters. Both are grounded on the shape the retrieved OCPP adapter
// reference (other_examples' JoseRFJuniorLLMs-EV-IA internal-adapter
// file) and its manifest's dependency set imply: gorilla/websocket at
// the transport edge, redis/go-redis/v9 and google/uuid for the
// cluster-facing pieces.
package adapter

import (
	"context"
	"time"
)

// Message is one broadcast or unicast payload delivered to a
// subscriber, carrying the stream offset the broker variant assigns so
// a poller can resume after a reconnect.
type Message struct {
	Channel string
	Payload []byte
	// ID is the broker-assigned stream entry id (e.g. Redis's
	// "<ms>-<seq>"). Empty for in-process broadcast delivery, which has
	// no durable offset to resume from.
	ID string
}

// Handler receives delivered messages. It must not block long; the
// adapter calls it synchronously from its dispatch loop.
type Handler func(Message)

// Metrics is a snapshot of adapter-level counters (spec.md §4.3's
// optional metrics() operation).
type Metrics struct {
	Published       int64
	Delivered       int64
	PresenceEntries int64
	Reconnects      int64
	Errors          int64
}

// Adapter is the capability set every variant implements: broadcast
// publish/subscribe on logical channels, KV presence with TTL, and
// lifecycle hooks (spec.md §4.3).
type Adapter interface {
	// Publish fans payload out to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler for channel and returns a function
	// that cancels the subscription.
	Subscribe(ctx context.Context, channel string, handler Handler) (unsubscribe func(), err error)

	// SetPresence records that identity is present, carrying an
	// opaque data blob (typically the owning node id), expiring after
	// ttl unless refreshed.
	SetPresence(ctx context.Context, identity string, data []byte, ttl time.Duration) error

	// SetPresenceBatch is the batched form of SetPresence, used on
	// reconnect to re-assert every locally held identity in one round
	// trip (spec.md §4.3's Recovery note).
	SetPresenceBatch(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// GetPresence reports whether identity currently has a live
	// presence entry and, if so, its data.
	GetPresence(ctx context.Context, identity string) (data []byte, ok bool, err error)

	// GetPresenceBatch is the batched form of GetPresence.
	GetPresenceBatch(ctx context.Context, identities []string) (map[string][]byte, error)

	// RemovePresence clears identity's presence entry immediately,
	// e.g. on graceful disconnect.
	RemovePresence(ctx context.Context, identity string) error

	// Metrics returns a point-in-time snapshot of adapter counters.
	Metrics() Metrics

	// OnError registers a callback invoked whenever a background
	// adapter operation (dispatch loop, reconnect) fails.
	OnError(func(error))

	// OnReconnect registers a callback invoked after the adapter has
	// recovered a lost broker connection and re-asserted presence.
	OnReconnect(func())

	// Disconnect releases the adapter's resources. Subsequent calls
	// on the Adapter are undefined.
	Disconnect() error
}

// StreamAdapter is the broker-backed extension of Adapter: a durable,
// trimmed, TTL-leased per-identity append log polled with blocking
// reads, plus the generic KV operations the broker variant exposes
// alongside presence (spec.md §4.3).
type StreamAdapter interface {
	Adapter

	// XAdd appends payload to stream, trimming to approximately
	// maxLen entries and refreshing the stream key's TTL lease.
	XAdd(ctx context.Context, stream string, payload []byte, maxLen int64, ttl time.Duration) (id string, err error)

	// XAddBatch appends every payload in order, using one round trip
	// where the underlying driver supports pipelining.
	XAddBatch(ctx context.Context, stream string, payloads [][]byte, maxLen int64, ttl time.Duration) (ids []string, err error)

	// XRead blocks up to block for entries on stream after afterID
	// ("0" to read from the start), returning as soon as at least one
	// entry is available or the deadline passes.
	XRead(ctx context.Context, stream, afterID string, block time.Duration) ([]Message, error)

	// XLen reports the current entry count of stream.
	XLen(ctx context.Context, stream string) (int64, error)

	// Expire refreshes key's TTL lease.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Del(ctx context.Context, key string) error
}
