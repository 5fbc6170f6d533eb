// Package cluster implements C7: fanning a call out to every endpoint
// held locally, routing a call to whichever node currently holds a
// given identity, and batching many calls to one identity at raised
// queue concurrency (spec.md §4.7).
//
// Grounded on spec.md §4.7 and §9's "Cyclic references" design note:
// the router is handed a narrow LocalEndpoints capability rather than
// the wsio.Server itself, so cluster never imports wsio and wsio never
// imports cluster — each depends only on adapter and rpc.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/ocppio/ocpp-ws-io/adapter"
	"github.com/ocppio/ocpp-ws-io/cmn"
	"github.com/ocppio/ocpp-ws-io/cmn/nlog"
	"github.com/ocppio/ocpp-ws-io/ocpp"
	"github.com/ocppio/ocpp-ws-io/rpc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LocalEndpoints is the narrow view of the connection set the router
// needs: looking an identity up and enumerating everything held
// locally. wsio.Server satisfies this.
type LocalEndpoints interface {
	Endpoint(identity string) (*rpc.Endpoint, bool)
	Identities() []string
}

type broadcastEnvelope struct {
	Source string          `json:"source"`
	Method string          `json:"method"`
	Params jsoniter.RawMessage `json:"params"`
}

type unicastEnvelope struct {
	Method string          `json:"method"`
	Params jsoniter.RawMessage `json:"params"`
	Seq    int64           `json:"__seq"`
}

// Router is C7. One Router runs per node, sharing nodeID with the
// adapter's presence entries.
type Router struct {
	nodeID string
	cfg    *cmn.Config
	local  LocalEndpoints
	adp    adapter.Adapter

	mu          sync.Mutex
	outSeq      map[string]int64 // per-identity send sequence for unicast
	lastSeen    map[string]int64 // per-identity receive dedup
	pollerStop  map[string]chan struct{}
}

// New builds a Router. nodeID identifies this process in broadcast
// loop-prevention and presence entries.
func New(nodeID string, cfg *cmn.Config, local LocalEndpoints, adp adapter.Adapter) *Router {
	return &Router{
		nodeID:     nodeID,
		cfg:        cfg,
		local:      local,
		adp:        adp,
		outSeq:     map[string]int64{},
		lastSeen:   map[string]int64{},
		pollerStop: map[string]chan struct{}{},
	}
}

// Start subscribes to the cluster broadcast channel. Call once at
// startup before any Broadcast call.
func (r *Router) Start(ctx context.Context) error {
	_, err := r.adp.Subscribe(ctx, r.cfg.Prefix+"ocpp:broadcast", r.onBroadcastEnvelope)
	return err
}

func (r *Router) onBroadcastEnvelope(msg adapter.Message) {
	var env broadcastEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		nlog.Warningf("cluster: malformed broadcast envelope: %v", err)
		return
	}
	if env.Source == r.nodeID {
		return // loop prevention, spec.md §4.7
	}
	for _, identity := range r.local.Identities() {
		ep, ok := r.local.Endpoint(identity)
		if !ok {
			continue
		}
		go func() {
			_, _ = ep.Call(context.Background(), env.Method, ocpp.RawMessage(env.Params), rpc.CallOptions{})
		}()
	}
}

// Broadcast invokes method on every locally-held endpoint concurrently
// (errors per-endpoint are swallowed) and publishes the same call to
// every other node over the broadcast channel.
func (r *Router) Broadcast(ctx context.Context, method string, params any) error {
	raw, err := encode(params)
	if err != nil {
		return err
	}

	identities := r.local.Identities()
	g, gctx := errgroup.WithContext(ctx)
	for _, identity := range identities {
		identity := identity
		g.Go(func() error {
			ep, ok := r.local.Endpoint(identity)
			if !ok {
				return nil
			}
			if _, err := ep.Call(gctx, method, raw, rpc.CallOptions{}); err != nil {
				nlog.Warningf("cluster: broadcast call to %s failed: %v", identity, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	env := broadcastEnvelope{Source: r.nodeID, Method: method, Params: raw}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cluster: encode broadcast envelope: %w", err)
	}
	return r.adp.Publish(ctx, r.cfg.Prefix+"ocpp:broadcast", b)
}

// SendToClient routes a call to identity, wherever it is currently
// held (spec.md §4.7). A locally-held identity is called directly.
// Otherwise the call is appended to identity's unicast stream for its
// owning node's poller to pick up; this path is fire-and-forget, since
// the owning node's response never crosses back over the stream.
func (r *Router) SendToClient(ctx context.Context, identity, method string, params any) (ocpp.RawMessage, error) {
	if ep, ok := r.local.Endpoint(identity); ok {
		return ep.Call(ctx, method, params, rpc.CallOptions{})
	}

	_, present, err := r.adp.GetPresence(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("cluster: presence lookup for %s: %w", identity, err)
	}
	if !present {
		_ = r.adp.RemovePresence(ctx, identity)
		return nil, fmt.Errorf("cluster: identity %s not found", identity)
	}

	stream, ok := r.adp.(adapter.StreamAdapter)
	if !ok {
		return nil, fmt.Errorf("cluster: unicast delivery requires a broker-backed adapter")
	}

	raw, err := encode(params)
	if err != nil {
		return nil, err
	}
	env := unicastEnvelope{Method: method, Params: raw, Seq: r.nextSeq(identity)}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cluster: encode unicast envelope: %w", err)
	}

	key := r.cfg.Prefix + "ocpp:node:" + identity
	if _, err := stream.XAdd(ctx, key, b, r.cfg.StreamMaxLen, r.cfg.StreamTTL); err != nil {
		return nil, fmt.Errorf("cluster: append to unicast stream for %s: %w", identity, err)
	}
	return nil, nil
}

func (r *Router) nextSeq(identity string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outSeq[identity]++
	return r.outSeq[identity]
}

// SendBatch issues every call in calls against identity's local
// endpoint, temporarily raising its work-queue concurrency to
// len(calls) so they all emit at once, then restores it (spec.md
// §4.7). A call that fails contributes a nil result to the returned
// slice at its original index rather than aborting the batch.
func (r *Router) SendBatch(ctx context.Context, identity string, calls []BatchCall) []ocpp.RawMessage {
	results := make([]ocpp.RawMessage, len(calls))
	ep, ok := r.local.Endpoint(identity)
	if !ok || len(calls) == 0 {
		return results
	}

	ep.SetQueueConcurrency(len(calls))
	defer ep.SetQueueConcurrency(r.cfg.CallConcurrency)

	var wg sync.WaitGroup
	for i, c := range calls {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ep.Call(ctx, c.Method, c.Params, rpc.CallOptions{})
			if err != nil {
				nlog.Warningf("cluster: batch call %q to %s failed: %v", c.Method, identity, err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()
	return results
}

// BatchCall is one entry in a SendBatch request.
type BatchCall struct {
	Method string
	Params any
}

// AttachPoller starts polling identity's unicast stream, intended to
// be wired into the server's OnConnect hook for every locally accepted
// connection. Dropped duplicate or out-of-order entries (by __seq)
// are discarded (spec.md §4.7 / §8's ordering invariant).
func (r *Router) AttachPoller(identity string) {
	stream, ok := r.adp.(adapter.StreamAdapter)
	if !ok {
		return
	}
	stop := make(chan struct{})
	r.mu.Lock()
	r.pollerStop[identity] = stop
	r.mu.Unlock()

	go r.pollLoop(identity, stream, stop)
}

// DetachPoller stops identity's poller, intended for the server's
// OnDisconnect hook.
func (r *Router) DetachPoller(identity string) {
	r.mu.Lock()
	stop, ok := r.pollerStop[identity]
	delete(r.pollerStop, identity)
	r.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (r *Router) pollLoop(identity string, stream adapter.StreamAdapter, stop <-chan struct{}) {
	key := r.cfg.Prefix + "ocpp:node:" + identity
	afterID := "0"
	for {
		select {
		case <-stop:
			return
		default:
		}

		msgs, err := stream.XRead(context.Background(), key, afterID, time.Second)
		if err != nil {
			nlog.Warningf("cluster: poll %s failed, backing off: %v", identity, err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			// A broker-backed XRead blocks internally up to the given
			// duration; an adapter that returns immediately with
			// nothing (e.g. an in-process ring) still needs this pause
			// so the poller doesn't spin a core at 100%.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		for _, m := range msgs {
			afterID = m.ID
			var env unicastEnvelope
			if err := json.Unmarshal(m.Payload, &env); err != nil {
				continue
			}
			r.mu.Lock()
			last := r.lastSeen[identity]
			dup := env.Seq <= last
			if !dup {
				r.lastSeen[identity] = env.Seq
			}
			r.mu.Unlock()
			if dup {
				continue
			}
			ep, ok := r.local.Endpoint(identity)
			if !ok {
				continue
			}
			go func(method string, params jsoniter.RawMessage) {
				_, _ = ep.Call(context.Background(), method, ocpp.RawMessage(params), rpc.CallOptions{})
			}(env.Method, env.Params)
		}
	}
}

func encode(params any) (ocpp.RawMessage, error) {
	if params == nil {
		return ocpp.RawMessage("{}"), nil
	}
	if raw, ok := params.(ocpp.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("cluster: encode params: %w", err)
	}
	return ocpp.RawMessage(b), nil
}
