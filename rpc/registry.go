package rpc

import (
	"context"
	"sync"

	"github.com/ocppio/ocpp-ws-io/rpcerr"
)

// NoReply is the sentinel a Handler returns to suppress the normal
// `[3, id, result]` response (spec.md §4.4).
var NoReply = &struct{ noReply bool }{noReply: true}

// Handler processes one inbound call's params and returns either a
// result to serialize, NoReply, or an error. Returning a *rpcerr.Error
// passes its Code through to the wire; any other error becomes
// InternalError.
type Handler func(ctx context.Context, action string, params []byte) (any, error)

// Registry resolves an inbound action to a Handler, keyed by
// `protocol:method`, bare `method`, or a single wildcard — in that
// lookup order (spec.md §4.4's "Handler registry").
type Registry struct {
	mu       sync.RWMutex
	byKey    map[string]Handler
	wildcard Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byKey: map[string]Handler{}}
}

// On registers h for action, valid for every protocol.
func (r *Registry) On(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[action] = h
}

// OnProtocol registers h for action, valid only when negotiated under
// protocol.
func (r *Registry) OnProtocol(protocol, action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[protocol+":"+action] = h
}

// OnAny registers the single wildcard handler, used when nothing more
// specific matches.
func (r *Registry) OnAny(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wildcard = h
}

// Resolve finds the handler for action under protocol, or a
// NotImplemented error if none of the three lookup tiers match.
func (r *Registry) Resolve(protocol, action string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.byKey[protocol+":"+action]; ok {
		return h, nil
	}
	if h, ok := r.byKey[action]; ok {
		return h, nil
	}
	if r.wildcard != nil {
		return r.wildcard, nil
	}
	return nil, rpcerr.New(rpcerr.NotImplemented, "no handler registered for %q", action)
}
