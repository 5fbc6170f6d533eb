// Package rpc implements C4, the RPC endpoint: framing and
// correlation of inbound/outbound OCPP-J calls over one connection,
// liveness (ping/pong), the bad-message policy, the offline queue, and
// the client-role reconnect backoff calculation. It is the hardest
// component in the module (spec.md §4.4 says so plainly).
//
// An Endpoint is transport-agnostic: it depends only on the Transport
// interface, so the same state machine and call bookkeeping serve both
// the server side (wsio hands it an already-upgraded connection) and
// the client side (a dialer attaches a freshly connected transport,
// and reattaches a new one after a reconnect).
package rpc

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocppio/ocpp-ws-io/cmn"
	"github.com/ocppio/ocpp-ws-io/cmn/cos"
	"github.com/ocppio/ocpp-ws-io/ocpp"
	"github.com/ocppio/ocpp-ws-io/queue"
	"github.com/ocppio/ocpp-ws-io/rpcerr"
	"github.com/ocppio/ocpp-ws-io/validate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BackpressureThreshold is the buffered-byte watermark spec.md §4.4
// names (512 KiB) past which the endpoint emits a backpressure event
// before every send.
const BackpressureThreshold = 512 * 1024

// CallOptions configures one outbound Call (spec.md §4.4's
// "Outbound calls").
type CallOptions struct {
	Timeout        time.Duration
	Retries        int
	RetryDelay     time.Duration // base delay; defaults to 1s
	RetryMaxDelay  time.Duration // cap; defaults to 30s
	IdempotencyKey string
	// Cancel, if non-nil and closed, aborts the call immediately,
	// removing its pending entry (spec.md's "signal").
	Cancel <-chan struct{}
}

// Endpoint is one OCPP-J RPC session: framing, correlation, liveness,
// and the call queue bound to a single Transport at a time.
type Endpoint struct {
	identity  string
	protocol  string
	role      Role
	registry  *Registry
	validator *validate.Registry
	cfg       *cmn.Config
	queue     callQueue

	mu              sync.Mutex
	state           State
	transport       Transport
	everAttached    bool
	pending         map[string]*pendingCall
	inFlightInbound map[string]struct{}
	badMessages     int
	lastActivity    time.Time
	reconnectAttempt int
	offline         *offlineQueue
	pingTimer       *time.Timer
	pongTimer       *time.Timer
	closeOnce       sync.Once

	OnBackpressure func(identity string, bufferedBytes int)
	OnBadMessage   func(err error)
	OnClose        func(code int, reason string)
	OnError        func(err error)
}

// callQueue is the subset of *queue.Queue an Endpoint needs: C1's
// bounded FIFO queue bounds how many outbound calls are in flight
// (queued + awaiting response) at once.
type callQueue interface {
	Submit(task func() (any, error)) *queue.Future
}

// NewEndpoint builds an Endpoint in the CLOSED state. Attach must be
// called once a transport exists before any call traffic flows.
func NewEndpoint(identity, protocol string, role Role, registry *Registry, validator *validate.Registry, cfg *cmn.Config, q callQueue) *Endpoint {
	return &Endpoint{
		identity:        identity,
		protocol:        protocol,
		role:            role,
		registry:        registry,
		validator:       validator,
		cfg:             cfg,
		queue:           q,
		pending:         map[string]*pendingCall{},
		inFlightInbound: map[string]struct{}{},
		offline:         newOfflineQueue(cfg.OfflineQueueMaxSize),
	}
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) Identity() string { return e.identity }
func (e *Endpoint) Protocol() string { return e.protocol }

// SetQueueConcurrency adjusts the width of the outbound work queue.
// The cluster router uses this to temporarily widen a batch of calls
// (spec.md §4.7's sendBatch) and then restore the original width; it
// is a no-op if the queue implementation given to NewEndpoint doesn't
// support resizing.
func (e *Endpoint) SetQueueConcurrency(n int) {
	if sc, ok := e.queue.(interface{ SetConcurrency(int) }); ok {
		sc.SetConcurrency(n)
	}
}

// Attach transitions CLOSED -> CONNECTING -> OPEN against t. Illegal
// except from CLOSED; a server-role endpoint additionally rejects any
// Attach after its first, since server endpoints never reconnect
// (spec.md §4.4).
func (e *Endpoint) Attach(t Transport) error {
	e.mu.Lock()
	if e.role == RoleServer && e.everAttached {
		e.mu.Unlock()
		return rpcerr.New(rpcerr.GenericError, "server-side endpoints cannot reconnect")
	}
	if e.state != StateClosed {
		e.mu.Unlock()
		return rpcerr.New(rpcerr.GenericError, "connect is illegal unless state is CLOSED (current: %s)", e.state)
	}
	e.everAttached = true
	e.state = StateConnecting
	e.transport = t
	e.state = StateOpen
	e.lastActivity = time.Now()
	e.closeOnce = sync.Once{}
	e.mu.Unlock()

	e.startPingTimer()
	go e.flushOffline()
	return nil
}

// --- inbound dispatch ---

// HandleMessage processes one raw frame received from the transport.
func (e *Endpoint) HandleMessage(data []byte) {
	e.touchActivity()

	if e.cfg.MaxPayloadBytes > 0 && len(data) > e.cfg.MaxPayloadBytes {
		e.badMessage(rpcerr.New(rpcerr.FormatViolation, "payload of %d bytes exceeds maxPayloadBytes", len(data)), data)
		return
	}

	msg, err := ocpp.Parse(data)
	if err != nil {
		e.badMessage(err, data)
		return
	}

	switch m := msg.(type) {
	case *ocpp.Call:
		e.handleInboundCall(m)
	case *ocpp.CallResult:
		e.settlePending(m.ID, m.Result, nil)
	case *ocpp.CallError:
		e.settlePending(m.ID, nil, rpcerr.FromWire(m.Code, m.Description, m.Details))
	}
}

// PongReceived must be called by the transport whenever a pong frame
// arrives, to cancel the pending pong-timeout timer.
func (e *Endpoint) PongReceived() {
	e.touchActivity()
	e.mu.Lock()
	if e.pongTimer != nil {
		e.pongTimer.Stop()
	}
	e.mu.Unlock()
}

func (e *Endpoint) handleInboundCall(call *ocpp.Call) {
	e.mu.Lock()
	if _, inFlight := e.inFlightInbound[call.ID]; inFlight {
		e.mu.Unlock()
		return
	}
	e.inFlightInbound[call.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlightInbound, call.ID)
		e.mu.Unlock()
	}()

	handler, err := e.registry.Resolve(e.protocol, call.Action)
	if err != nil {
		e.sendCallError(call.ID, err)
		return
	}

	if e.strictModeEnabled() {
		if verr := e.validateGeneric(call.Action, validate.Request, call.Params); verr != nil {
			e.sendCallError(call.ID, verr)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.effectiveCallTimeout())
	defer cancel()
	result, herr := handler(ctx, call.Action, call.Params)
	if herr != nil {
		e.sendCallError(call.ID, e.toWireError(herr))
		return
	}
	if result == NoReply {
		return
	}

	if e.strictModeEnabled() {
		if verr := e.validateValueGeneric(call.Action, validate.Confirmation, result); verr != nil {
			e.sendCallError(call.ID, verr)
			return
		}
	}

	wire, serr := ocpp.SerializeResult(call.ID, result)
	if serr != nil {
		e.sendCallError(call.ID, rpcerr.Wrap(rpcerr.InternalError, serr, "failed to serialize result"))
		return
	}
	e.sendRaw(wire)
}

func (e *Endpoint) sendCallError(id string, err error) {
	we := e.toWireError(err)
	wire, serr := ocpp.SerializeError(id, we.Code, we.Message, we.Details)
	if serr != nil {
		return
	}
	e.sendRaw(wire)
}

// toWireError maps any error onto a *rpcerr.Error: known RPC-coded
// errors pass through; everything else becomes InternalError,
// optionally carrying the original message as Details (spec.md
// §4.4's "respondWithDetailedErrors").
func (e *Endpoint) toWireError(err error) *rpcerr.Error {
	if re, ok := err.(*rpcerr.Error); ok {
		return re
	}
	we := rpcerr.New(rpcerr.InternalError, "internal error")
	if e.cfg.RespondWithDetailedErrors {
		we.Details = err.Error()
	}
	return we
}

func (e *Endpoint) badMessage(err error, raw []byte) {
	e.mu.Lock()
	e.badMessages++
	n := e.badMessages
	max := cmn.Rom.MaxBadMessages()
	e.mu.Unlock()

	if e.OnBadMessage != nil {
		e.OnBadMessage(err)
	}

	if id, ok := recoverCallID(raw); ok {
		wire, serr := ocpp.SerializeError(id, rpcerr.FormatViolation, err.Error(), nil)
		if serr == nil {
			e.sendRaw(wire)
		}
	}

	if max > 0 && n >= max {
		e.Terminate(1002, "too many bad messages")
	}
}

// recoverCallID makes a best-effort attempt to read the message id out
// of a frame that otherwise failed to parse, so a CALLERROR can still
// be correlated (spec.md §4.4).
func recoverCallID(raw []byte) (string, bool) {
	var elems []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) < 2 {
		return "", false
	}
	var typeID int
	if err := json.Unmarshal(elems[0], &typeID); err != nil || typeID != int(ocpp.TypeCall) {
		return "", false
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil {
		return "", false
	}
	return id, true
}

// --- outbound calls ---

// Call issues method with params, following spec.md §4.4's "Outbound
// calls" sequence: strict-mode validation, queued send-and-await with
// timeout, full-jitter retry, and cancellation via opts.Cancel.
func (e *Endpoint) Call(ctx context.Context, method string, params any, opts CallOptions) (ocpp.RawMessage, error) {
	if e.strictModeEnabled() {
		if verr := e.validateValueGeneric(method, validate.Request, params); verr != nil {
			return nil, verr
		}
	}

	id := opts.IdempotencyKey
	if id == "" {
		id = cos.GenMsgID()
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	if state != StateOpen {
		if !e.cfg.OfflineQueueEnabled {
			return nil, rpcerr.New(rpcerr.GenericError, "endpoint is not OPEN and offline queue is disabled")
		}
		return e.enqueueOffline(method, params, opts)
	}

	return e.attemptCall(ctx, id, method, params, opts)
}

func (e *Endpoint) attemptCall(ctx context.Context, id, method string, params any, opts CallOptions) (ocpp.RawMessage, error) {
	baseDelay := opts.RetryDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		res, err := e.sendAndAwait(ctx, id, method, params, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !rpcerr.IsTimeout(err) || attempt == opts.Retries {
			return nil, err
		}
		delay := fullJitterBackoff(baseDelay, maxDelay, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cancelChan(opts.Cancel):
			return nil, rpcerr.New(rpcerr.GenericError, "call canceled")
		}
	}
	return nil, lastErr
}

func (e *Endpoint) sendAndAwait(ctx context.Context, id, method string, params any, opts CallOptions) (ocpp.RawMessage, error) {
	fut := e.queue.Submit(func() (any, error) {
		wire, err := ocpp.SerializeCall(id, method, params)
		if err != nil {
			return nil, err
		}

		pc := newPendingCall(id, method)
		e.mu.Lock()
		e.pending[id] = pc
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.pending, id)
			e.mu.Unlock()
		}()

		e.checkBackpressure()
		if err := e.transport.Send(wire); err != nil {
			return nil, err
		}

		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = e.effectiveCallTimeout()
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case res := <-pc.done:
			return ocpp.RawMessage(res.value), res.err
		case <-timer.C:
			return nil, rpcerr.New(rpcerr.Timeout, "call %s (id %s) timed out after %s", method, id, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cancelChan(opts.Cancel):
			return nil, rpcerr.New(rpcerr.GenericError, "call canceled")
		}
	})

	res, err := fut.Wait()
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.(ocpp.RawMessage), nil
}

func cancelChan(c <-chan struct{}) <-chan struct{} {
	if c == nil {
		return nil
	}
	return c
}

// fullJitterBackoff implements spec.md §4.4's
// `rand(0, min(maxDelay, baseDelay * 2^attempt))`.
func fullJitterBackoff(baseDelay, maxDelay time.Duration, attempt int) time.Duration {
	capped := baseDelay * time.Duration(1<<uint(attempt))
	if capped <= 0 || capped > maxDelay {
		capped = maxDelay
	}
	if capped <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(capped)))
}

func (e *Endpoint) settlePending(id string, value []byte, err error) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.done <- pendingResult{value: value, err: err}:
	default:
	}
}

func (e *Endpoint) checkBackpressure() {
	buffered := e.transport.BufferedAmount()
	if buffered > BackpressureThreshold && e.OnBackpressure != nil {
		e.OnBackpressure(e.identity, buffered)
	}
}

func (e *Endpoint) sendRaw(wire []byte) {
	e.checkBackpressure()
	if err := e.transport.Send(wire); err != nil && e.OnError != nil {
		e.OnError(err)
	}
}

// --- offline queue ---

func (e *Endpoint) enqueueOffline(method string, params any, opts CallOptions) (ocpp.RawMessage, error) {
	entry := &offlineEntry{method: method, params: params, opts: opts, result: make(chan pendingResult, 1)}
	if dropped := e.offline.push(entry); dropped != nil {
		dropped.result <- pendingResult{err: rpcerr.New(rpcerr.GenericError, "offline queue overflow, call dropped")}
	}
	res := <-entry.result
	if res.err != nil {
		return nil, res.err
	}
	return res.value, nil
}

func (e *Endpoint) flushOffline() {
	for _, entry := range e.offline.drain() {
		entry := entry
		go func() {
			id := entry.opts.IdempotencyKey
			if id == "" {
				id = cos.GenMsgID()
			}
			res, err := e.attemptCall(context.Background(), id, entry.method, entry.params, entry.opts)
			entry.result <- pendingResult{value: res, err: err}
		}()
	}
}

func (e *Endpoint) OfflineQueueSize() int { return e.offline.size() }

// --- liveness ---

func (e *Endpoint) touchActivity() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *Endpoint) startPingTimer() {
	interval := cmn.Rom.PingInterval()
	if interval <= 0 {
		return
	}
	e.mu.Lock()
	e.pingTimer = time.AfterFunc(interval, e.firePing)
	e.mu.Unlock()
}

func (e *Endpoint) firePing() {
	interval := cmn.Rom.PingInterval()

	e.mu.Lock()
	if e.state != StateOpen {
		e.mu.Unlock()
		return
	}
	elapsed := time.Since(e.lastActivity)
	if e.cfg.DeferPingsOnActivity && elapsed < interval {
		remaining := interval - elapsed
		e.pingTimer = time.AfterFunc(remaining, e.firePing)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.transport.Ping(); err != nil {
		e.Terminate(1006, "ping failed")
		return
	}

	pongTimeout := e.cfg.EffectivePongTimeout()
	e.mu.Lock()
	e.pongTimer = time.AfterFunc(pongTimeout, e.onPongTimeout)
	e.pingTimer = time.AfterFunc(interval, e.firePing)
	e.mu.Unlock()
}

func (e *Endpoint) onPongTimeout() {
	e.Terminate(1006, "pong timeout")
}

func (e *Endpoint) effectiveCallTimeout() time.Duration {
	if t := cmn.Rom.CallTimeout(); t > 0 {
		return t
	}
	return 30 * time.Second
}

// --- strict-mode validation ---

func (e *Endpoint) strictModeEnabled() bool {
	return cmn.Rom.StrictMode() && e.validator != nil
}

func (e *Endpoint) validateGeneric(action string, dir validate.Direction, raw []byte) error {
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return rpcerr.Wrap(rpcerr.FormatViolation, err, "params for %s are not valid JSON", action)
		}
	}
	return e.validator.Validate(validate.SchemaID(action, dir), v)
}

func (e *Endpoint) validateValueGeneric(action string, dir validate.Direction, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return rpcerr.Wrap(rpcerr.InternalError, err, "failed to marshal %s for validation", action)
	}
	return e.validateGeneric(action, dir, raw)
}

// --- close / terminate ---

// Close transitions OPEN -> CLOSING -> CLOSED. If force, the
// connection is terminated immediately; otherwise, when awaitPending is
// set, in-flight pending calls and inbound handlers are given up to the
// endpoint's call timeout to finish before the close frame is sent
// (spec.md §4.4).
func (e *Endpoint) Close(awaitPending, force bool, code int, reason string) error {
	e.mu.Lock()
	if e.state != StateOpen {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosing
	e.mu.Unlock()

	if force {
		return e.Terminate(code, reason)
	}
	if awaitPending {
		e.awaitPendingDrain()
	}
	err := e.transport.Close(code, reason)
	e.finalizeClose(code, reason)
	return err
}

func (e *Endpoint) Terminate(code int, reason string) error {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	var err error
	if t != nil {
		err = t.Close(code, reason)
	}
	e.finalizeClose(code, reason)
	return err
}

func (e *Endpoint) awaitPendingDrain() {
	deadline := time.Now().Add(e.effectiveCallTimeout())
	for time.Now().Before(deadline) {
		e.mu.Lock()
		n := len(e.pending) + len(e.inFlightInbound)
		e.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *Endpoint) finalizeClose(code int, reason string) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.state = StateClosed
		if e.pingTimer != nil {
			e.pingTimer.Stop()
		}
		if e.pongTimer != nil {
			e.pongTimer.Stop()
		}
		ids := make([]string, 0, len(e.pending))
		for id := range e.pending {
			ids = append(ids, id)
		}
		e.mu.Unlock()

		for _, id := range ids {
			e.settlePending(id, nil, rpcerr.New(rpcerr.GenericError, "connection closed"))
		}
		if e.OnClose != nil {
			e.OnClose(code, reason)
		}
	})
}

// --- reconnect (client role) ---

// NextReconnectDelay reports the delay before the next reconnect
// attempt, and whether one should be made at all, per spec.md §4.4's
// "Reconnect (client role)". Server-role endpoints, or endpoints with
// reconnect disabled or exhausted, report ok=false.
func (e *Endpoint) NextReconnectDelay() (delay time.Duration, ok bool) {
	if e.role != RoleClient || !e.cfg.Reconnect {
		return 0, false
	}
	e.mu.Lock()
	n := e.reconnectAttempt
	e.mu.Unlock()
	if e.cfg.MaxReconnects > 0 && n >= e.cfg.MaxReconnects {
		return 0, false
	}
	return reconnectBackoff(e.cfg.BackoffMin, e.cfg.BackoffMax, n), true
}

// reconnectBackoff implements `min(backoffMax, backoffMin *
// 2^(n-1) * (0.5 + rand*0.5))` for n >= 1, and backoffMin for n == 0.
func reconnectBackoff(backoffMin, backoffMax time.Duration, n int) time.Duration {
	if n <= 0 {
		return backoffMin
	}
	jitter := 0.5 + rand.Float64()*0.5
	delay := float64(backoffMin) * math.Pow(2, float64(n-1)) * jitter
	if delay > float64(backoffMax) {
		return backoffMax
	}
	return time.Duration(delay)
}

func (e *Endpoint) NoteReconnectAttempt() {
	e.mu.Lock()
	e.reconnectAttempt++
	e.mu.Unlock()
}

func (e *Endpoint) ResetReconnectAttempts() {
	e.mu.Lock()
	e.reconnectAttempt = 0
	e.mu.Unlock()
}
