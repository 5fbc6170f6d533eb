// Package redisadapter implements the broker-backed adapter.Adapter/
// StreamAdapter variant: broadcast via Redis Pub/Sub, durable unicast
// via Redis Streams (XADD/XREAD with blocking reads), and presence as
// plain keys with TTL.
//
// go-redis is the client; gobreaker wraps every broker round trip so a
// flapping Redis doesn't wedge callers behind a synchronous timeout
// storm. Hash-tag sharding for cluster mode uses xxhash
// (github.com/OneOfOne/xxhash) for key distribution.
package redisadapter

import (
	"context"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/ocppio/ocpp-ws-io/adapter"
	"github.com/ocppio/ocpp-ws-io/cmn/nlog"
)

// shardSalt is a fixed salt for xxhash.Checksum64S rather than hashing
// unsalted.
const shardSalt = 0x811c9dc5

// Options configures a redisadapter.Adapter.
type Options struct {
	Addrs       []string // with ClusterMode, keys are sharded across all of them by hash tag; otherwise only the first is used
	Prefix      string   // key prefix, e.g. "ocpp-ws-io:"
	ClusterMode bool     // hash-tag shard keys across Addrs

	BreakerMaxFailures uint32        // consecutive failures before the breaker opens
	BreakerOpenTimeout time.Duration // how long the breaker stays open before a trial request
}

func (o Options) withDefaults() Options {
	if o.BreakerMaxFailures == 0 {
		o.BreakerMaxFailures = 5
	}
	if o.BreakerOpenTimeout == 0 {
		o.BreakerOpenTimeout = 30 * time.Second
	}
	if o.Prefix == "" {
		o.Prefix = "ocpp-ws-io:"
	}
	return o
}

// Adapter is the Redis-backed adapter.StreamAdapter implementation.
type Adapter struct {
	opts    Options
	clients []*redis.Client // one per Addrs entry; sharded picks by hash tag
	breaker *gobreaker.CircuitBreaker

	mu         sync.RWMutex
	onErrorFn  func(error)
	onReconnFn func()
	localPres  map[string][]byte // identities this process last asserted, for reconnect re-assert
	metrics    adapter.Metrics

	cancelSubs sync.Map // channel -> context.CancelFunc, for Subscribe's blocking pub/sub loops
}

// New dials every address in opts.Addrs and returns a ready adapter.
func New(opts Options) (*Adapter, error) {
	opts = opts.withDefaults()
	if len(opts.Addrs) == 0 {
		return nil, errors.New("redisadapter: at least one address required")
	}

	a := &Adapter{opts: opts, localPres: map[string][]byte{}}
	for _, addr := range opts.Addrs {
		a.clients = append(a.clients, redis.NewClient(&redis.Options{Addr: addr}))
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redisadapter",
		Timeout: opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerMaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			nlog.Warningf("redisadapter: circuit breaker %s -> %s", from, to)
		},
	})

	for _, c := range a.clients {
		if err := c.Ping(context.Background()).Err(); err != nil {
			return nil, errors.Wrapf(err, "redisadapter: ping %s", c.Options().Addr)
		}
	}
	return a, nil
}

// shardFor picks the client owning key, by its hash tag in cluster
// mode or the single configured client otherwise. Hash tags follow
// Redis Cluster's "{tag}" convention so multi-key operations on a
// prefix land on the same shard.
func (a *Adapter) shardFor(key string) *redis.Client {
	if !a.opts.ClusterMode || len(a.clients) == 1 {
		return a.clients[0]
	}
	h := xxhash.ChecksumString64S(hashTag(key), shardSalt)
	return a.clients[h%uint64(len(a.clients))]
}

// hashTag extracts the {...} portion of key if present, else the
// whole key, matching Redis Cluster hash-tag semantics.
func hashTag(key string) string {
	start := -1
	for i, c := range key {
		if c == '{' {
			start = i
			continue
		}
		if c == '}' && start >= 0 {
			if i > start+1 {
				return key[start+1 : i]
			}
			break
		}
	}
	return key
}

func (a *Adapter) key(parts ...string) string {
	out := a.opts.Prefix
	for i, p := range parts {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}

func (a *Adapter) call(fn func() (any, error)) error {
	_, err := a.breaker.Execute(func() (any, error) { return fn() })
	if err != nil {
		a.mu.Lock()
		a.metrics.Errors++
		fn := a.onErrorFn
		a.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	}
	return err
}

func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return a.call(func() (any, error) {
		err := a.shardFor(channel).Publish(ctx, a.key(channel), payload).Err()
		if err == nil {
			a.mu.Lock()
			a.metrics.Published++
			a.mu.Unlock()
		}
		return nil, err
	})
}

// Subscribe pins the subscription to the channel's shard client per
// spec.md §4.3 ("subscriptions pinned to the primary connection").
func (a *Adapter) Subscribe(ctx context.Context, channel string, handler adapter.Handler) (func(), error) {
	client := a.shardFor(channel)
	sub := client.Subscribe(ctx, a.key(channel))

	subCtx, cancel := context.WithCancel(ctx)
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				a.mu.Lock()
				a.metrics.Delivered++
				a.mu.Unlock()
				handler(adapter.Message{Channel: channel, Payload: []byte(msg.Payload)})
			}
		}
	}()

	return cancel, nil
}

func (a *Adapter) SetPresence(ctx context.Context, identity string, data []byte, ttl time.Duration) error {
	err := a.call(func() (any, error) {
		return nil, a.shardFor(identity).Set(ctx, a.key("presence", identity), data, ttl).Err()
	})
	if err == nil {
		a.mu.Lock()
		a.localPres[identity] = append([]byte(nil), data...)
		a.mu.Unlock()
	}
	return err
}

func (a *Adapter) SetPresenceBatch(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	byShard := map[*redis.Client]map[string][]byte{}
	for identity, data := range entries {
		c := a.shardFor(identity)
		if byShard[c] == nil {
			byShard[c] = map[string][]byte{}
		}
		byShard[c][identity] = data
	}
	for c, group := range byShard {
		err := a.call(func() (any, error) {
			pipe := c.Pipeline()
			for identity, data := range group {
				pipe.Set(ctx, a.key("presence", identity), data, ttl)
			}
			_, err := pipe.Exec(ctx)
			return nil, err
		})
		if err != nil {
			return err
		}
	}
	a.mu.Lock()
	for identity, data := range entries {
		a.localPres[identity] = append([]byte(nil), data...)
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) GetPresence(ctx context.Context, identity string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := a.call(func() (any, error) {
		v, err := a.shardFor(identity).Get(ctx, a.key("presence", identity)).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		data, found = v, true
		return nil, nil
	})
	return data, found, err
}

func (a *Adapter) GetPresenceBatch(ctx context.Context, identities []string) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, id := range identities {
		data, ok, err := a.GetPresence(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = data
		}
	}
	return out, nil
}

func (a *Adapter) RemovePresence(ctx context.Context, identity string) error {
	err := a.call(func() (any, error) {
		return nil, a.shardFor(identity).Del(ctx, a.key("presence", identity)).Err()
	})
	a.mu.Lock()
	delete(a.localPres, identity)
	a.mu.Unlock()
	return err
}

func (a *Adapter) Metrics() adapter.Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

func (a *Adapter) OnError(fn func(error)) { a.mu.Lock(); a.onErrorFn = fn; a.mu.Unlock() }
func (a *Adapter) OnReconnect(fn func())  { a.mu.Lock(); a.onReconnFn = fn; a.mu.Unlock() }

// Reconnected re-asserts every locally held presence entry in one
// batch and invokes the registered onReconnect hook, per spec.md
// §4.3's Recovery note. Called by the owning rpc/cluster layer once it
// observes the underlying connection has come back after a failure.
func (a *Adapter) Reconnected(ctx context.Context, ttl time.Duration) error {
	a.mu.RLock()
	entries := make(map[string][]byte, len(a.localPres))
	for k, v := range a.localPres {
		entries[k] = v
	}
	a.mu.RUnlock()

	if len(entries) > 0 {
		if err := a.SetPresenceBatch(ctx, entries, ttl); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.metrics.Reconnects++
	fn := a.onReconnFn
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (a *Adapter) Disconnect() error {
	var firstErr error
	for _, c := range a.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- stream (unicast) support ---

func (a *Adapter) XAdd(ctx context.Context, stream string, payload []byte, maxLen int64, ttl time.Duration) (string, error) {
	var id string
	err := a.call(func() (any, error) {
		c := a.shardFor(stream)
		key := a.key("stream", stream)
		res, err := c.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: maxLen,
			Approx: true,
			Values: map[string]any{"payload": payload},
		}).Result()
		if err != nil {
			return nil, err
		}
		id = res
		if ttl > 0 {
			c.Expire(ctx, key, ttl)
		}
		return nil, nil
	})
	return id, err
}

func (a *Adapter) XAddBatch(ctx context.Context, stream string, payloads [][]byte, maxLen int64, ttl time.Duration) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := a.XAdd(ctx, stream, p, maxLen, ttl)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// XRead polls with a blocking XREAD, returning once at least one entry
// is available or block elapses.
func (a *Adapter) XRead(ctx context.Context, stream, afterID string, block time.Duration) ([]adapter.Message, error) {
	if afterID == "" {
		afterID = "0"
	}
	var out []adapter.Message
	err := a.call(func() (any, error) {
		c := a.shardFor(stream)
		key := a.key("stream", stream)
		res, err := c.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, afterID},
			Block:   block,
		}).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, s := range res {
			for _, e := range s.Messages {
				payload, _ := e.Values["payload"].(string)
				out = append(out, adapter.Message{Channel: stream, Payload: []byte(payload), ID: e.ID})
			}
		}
		return nil, nil
	})
	return out, err
}

func (a *Adapter) XLen(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := a.call(func() (any, error) {
		var e error
		n, e = a.shardFor(stream).XLen(ctx, a.key("stream", stream)).Result()
		return nil, e
	})
	return n, err
}

func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.call(func() (any, error) {
		return nil, a.shardFor(key).Expire(ctx, a.key(key), ttl).Err()
	})
}

func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.call(func() (any, error) {
		return nil, a.shardFor(key).Set(ctx, a.key(key), value, ttl).Err()
	})
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := a.call(func() (any, error) {
		v, err := a.shardFor(key).Get(ctx, a.key(key)).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		data, found = v, true
		return nil, nil
	})
	return data, found, err
}

func (a *Adapter) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, k := range keys {
		v, ok, err := a.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (a *Adapter) Del(ctx context.Context, key string) error {
	return a.call(func() (any, error) {
		return nil, a.shardFor(key).Del(ctx, a.key(key)).Err()
	})
}

var _ adapter.StreamAdapter = (*Adapter)(nil)
