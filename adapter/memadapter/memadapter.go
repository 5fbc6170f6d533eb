// Package memadapter implements the in-process adapter variant: a
// synchronous, single-node adapter.Adapter/StreamAdapter used for
// standalone deployments and in tests without a broker dependency.
//
// Presence is kept in a github.com/tidwall/buntdb in-memory database
// for its native per-key TTL (buntdb.SetOptions{Expires, TTL}).
// Streams are an in-process ring buffer per identity, since an
// in-memory adapter has no durable log to poll.
package memadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/ocppio/ocpp-ws-io/adapter"
)

type subscription struct {
	id      uint64
	channel string
	handler adapter.Handler
}

// Adapter is the in-process adapter.StreamAdapter implementation.
type Adapter struct {
	mu          sync.RWMutex
	subs        map[string]map[uint64]adapter.Handler
	nextSubID   uint64
	streams     map[string]*ring
	onErrorFn   func(error)
	onReconnFn  func()
	presence    *buntdb.DB
	metrics     adapter.Metrics
}

// New creates a ready-to-use in-process adapter.
func New() (*Adapter, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "memadapter: open presence store")
	}
	return &Adapter{
		subs:     map[string]map[uint64]adapter.Handler{},
		streams:  map[string]*ring{},
		presence: db,
	}, nil
}

func (a *Adapter) Publish(_ context.Context, channel string, payload []byte) error {
	a.mu.RLock()
	handlers := make([]adapter.Handler, 0, len(a.subs[channel]))
	for _, h := range a.subs[channel] {
		handlers = append(handlers, h)
	}
	a.mu.RUnlock()

	a.mu.Lock()
	a.metrics.Published++
	a.metrics.Delivered += int64(len(handlers))
	a.mu.Unlock()

	for _, h := range handlers {
		h(adapter.Message{Channel: channel, Payload: payload})
	}
	return nil
}

func (a *Adapter) Subscribe(_ context.Context, channel string, handler adapter.Handler) (func(), error) {
	a.mu.Lock()
	id := a.nextSubID
	a.nextSubID++
	if a.subs[channel] == nil {
		a.subs[channel] = map[uint64]adapter.Handler{}
	}
	a.subs[channel][id] = handler
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subs[channel], id)
		a.mu.Unlock()
	}, nil
}

func (a *Adapter) SetPresence(_ context.Context, identity string, data []byte, ttl time.Duration) error {
	return a.presence.Update(func(tx *buntdb.Tx) error {
		opts := &buntdb.SetOptions{}
		if ttl > 0 {
			opts.Expires = true
			opts.TTL = ttl
		}
		_, _, err := tx.Set(identity, string(data), opts)
		return err
	})
}

func (a *Adapter) SetPresenceBatch(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	return a.presence.Update(func(tx *buntdb.Tx) error {
		opts := &buntdb.SetOptions{}
		if ttl > 0 {
			opts.Expires = true
			opts.TTL = ttl
		}
		for identity, data := range entries {
			if _, _, err := tx.Set(identity, string(data), opts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) GetPresence(_ context.Context, identity string) ([]byte, bool, error) {
	var val string
	err := a.presence.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(identity)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(val), true, nil
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

func (a *Adapter) RemovePresence(_ context.Context, identity string) error {
	err := a.presence.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(identity)
		return err
	})
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

func (a *Adapter) Metrics() adapter.Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

func (a *Adapter) OnError(fn func(error))   { a.mu.Lock(); a.onErrorFn = fn; a.mu.Unlock() }
func (a *Adapter) OnReconnect(fn func())    { a.mu.Lock(); a.onReconnFn = fn; a.mu.Unlock() }

// Disconnect closes the presence store. An in-process adapter has no
// broker connection to reconnect, so onReconnect is never called.
func (a *Adapter) Disconnect() error {
	return a.presence.Close()
}

// --- stream (unicast) support ---

const defaultRingCap = 1000

type ring struct {
	mu      sync.Mutex
	entries []adapter.Message
	nextSeq uint64
	maxLen  int64
}

func (a *Adapter) ringFor(stream string) *ring {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.streams[stream]
	if !ok {
		r = &ring{maxLen: defaultRingCap}
		a.streams[stream] = r
	}
	return r
}

func (a *Adapter) XAdd(_ context.Context, stream string, payload []byte, maxLen int64, _ time.Duration) (string, error) {
	r := a.ringFor(stream)
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxLen > 0 {
		r.maxLen = maxLen
	}
	r.nextSeq++
	id := fmt.Sprintf("%d-0", r.nextSeq)
	r.entries = append(r.entries, adapter.Message{Channel: stream, Payload: payload, ID: id})
	if int64(len(r.entries)) > r.maxLen {
		r.entries = r.entries[int64(len(r.entries))-r.maxLen:]
	}
	return id, nil
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

// XRead returns entries strictly after afterID without blocking: an
// in-process ring has nothing to wait on, so block is accepted for
// interface compatibility but has no effect.
func (a *Adapter) XRead(_ context.Context, stream, afterID string, _ time.Duration) ([]adapter.Message, error) {
	r := a.ringFor(stream)
	r.mu.Lock()
	defer r.mu.Unlock()

	if afterID == "" || afterID == "0" {
		out := make([]adapter.Message, len(r.entries))
		copy(out, r.entries)
		return out, nil
	}
	for i, e := range r.entries {
		if e.ID == afterID {
			out := make([]adapter.Message, len(r.entries)-i-1)
			copy(out, r.entries[i+1:])
			return out, nil
		}
	}
	out := make([]adapter.Message, len(r.entries))
	copy(out, r.entries)
	return out, nil
}

func (a *Adapter) XLen(_ context.Context, stream string) (int64, error) {
	r := a.ringFor(stream)
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.entries)), nil
}

// Expire is a no-op: in-process streams live and die with the
// process, they carry no independent TTL lease.
func (a *Adapter) Expire(context.Context, string, time.Duration) error { return nil }

func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.SetPresence(ctx, key, value, ttl)
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return a.GetPresence(ctx, key)
}

func (a *Adapter) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return a.GetPresenceBatch(ctx, keys)
}

func (a *Adapter) Del(ctx context.Context, key string) error {
	return a.RemovePresence(ctx, key)
}

var _ adapter.StreamAdapter = (*Adapter)(nil)
