package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocppio/ocpp-ws-io/cmn"
	"github.com/ocppio/ocpp-ws-io/ocpp"
	"github.com/ocppio/ocpp-ws-io/queue"
	"github.com/ocppio/ocpp-ws-io/rpcerr"
	"github.com/ocppio/ocpp-ws-io/validate"
)

// fakeTransport is an in-memory Transport: Send appends the frame to a
// slice instead of touching a real socket, and a test can answer a Call
// by feeding a CALLRESULT/CALLERROR back through HandleMessage.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	buffered int
	closed   bool
	pings    int
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.sent = append(t.sent, cp)
	return nil
}

func (t *fakeTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) BufferedAmount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffered
}

func (t *fakeTransport) lastSent() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func testConfig() *cmn.Config {
	cfg := cmn.Default().Clone()
	cfg.PingInterval = 0 // disable the liveness timer by default in unit tests
	cfg.CallTimeout = 200 * time.Millisecond
	cfg.OfflineQueueEnabled = true
	cfg.OfflineQueueMaxSize = 2
	// Endpoints read ping interval, call timeout, bad-message threshold
	// and strict mode from cmn.Rom, so cfg is installed there too.
	cmn.Rom.Set(cfg)
	return cfg
}

func newOpenEndpoint(t *testing.T, role Role, registry *Registry, cfg *cmn.Config) (*Endpoint, *fakeTransport) {
	t.Helper()
	cmn.Rom.Set(cfg)
	if registry == nil {
		registry = NewRegistry()
	}
	q := queue.New(4)
	ep := NewEndpoint("CP-1", "ocpp2.0.1", role, registry, nil, cfg, q)
	tr := &fakeTransport{}
	if err := ep.Attach(tr); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return ep, tr
}

func TestInboundCallDispatchesToRegisteredHandler(t *testing.T) {
	registry := NewRegistry()
	var gotAction string
	registry.On("Heartbeat", func(ctx context.Context, action string, params []byte) (any, error) {
		gotAction = action
		return map[string]string{"currentTime": "2026-07-31T00:00:00Z"}, nil
	})

	ep, tr := newOpenEndpoint(t, RoleServer, registry, testConfig())
	ep.HandleMessage(mustCall(t, "1", "Heartbeat", nil))

	if gotAction != "Heartbeat" {
		t.Fatalf("handler not invoked, got action %q", gotAction)
	}
	waitForSend(t, tr, 1)

	msg, err := ocpp.Parse(tr.lastSent())
	if err != nil {
		t.Fatalf("Parse result frame: %v", err)
	}
	res, ok := msg.(*ocpp.CallResult)
	if !ok {
		t.Fatalf("expected CallResult, got %T", msg)
	}
	if res.ID != "1" {
		t.Fatalf("expected id 1, got %s", res.ID)
	}
}

func TestInboundCallUnknownActionReturnsNotImplemented(t *testing.T) {
	ep, tr := newOpenEndpoint(t, RoleServer, NewRegistry(), testConfig())
	ep.HandleMessage(mustCall(t, "1", "NoSuchAction", nil))

	waitForSend(t, tr, 1)
	msg, err := ocpp.Parse(tr.lastSent())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ce, ok := msg.(*ocpp.CallError)
	if !ok {
		t.Fatalf("expected CallError, got %T", msg)
	}
	if ce.Code != string(rpcerr.NotImplemented) {
		t.Fatalf("expected NotImplemented, got %s", ce.Code)
	}
}

func TestNoReplySuppressesResponse(t *testing.T) {
	registry := NewRegistry()
	registry.On("DataTransfer", func(ctx context.Context, action string, params []byte) (any, error) {
		return NoReply, nil
	})
	ep, tr := newOpenEndpoint(t, RoleServer, registry, testConfig())
	ep.HandleMessage(mustCall(t, "1", "DataTransfer", nil))

	time.Sleep(50 * time.Millisecond)
	if n := tr.sentCount(); n != 0 {
		t.Fatalf("expected no frame sent for NoReply, got %d", n)
	}
}

func TestInboundDuplicateCallIDIgnoredWhileInFlight(t *testing.T) {
	registry := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	registry.On("Slow", func(ctx context.Context, action string, params []byte) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return map[string]string{}, nil
	})
	ep, tr := newOpenEndpoint(t, RoleServer, registry, testConfig())

	go ep.HandleMessage(mustCall(t, "dup-1", "Slow", nil))
	<-started
	ep.HandleMessage(mustCall(t, "dup-1", "Slow", nil))
	close(release)

	waitForSend(t, tr, 1)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected handler invoked once for duplicate in-flight id, got %d", calls)
	}
}

func TestInboundRetransmitAfterCompletionIsReanswered(t *testing.T) {
	registry := NewRegistry()
	var calls int
	var mu sync.Mutex
	registry.On("Heartbeat", func(ctx context.Context, action string, params []byte) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return map[string]string{"currentTime": "now"}, nil
	})
	ep, tr := newOpenEndpoint(t, RoleServer, registry, testConfig())

	ep.HandleMessage(mustCall(t, "retry-1", "Heartbeat", nil))
	waitForSend(t, tr, 1)

	// Once the handler for an id has returned, that id is no longer
	// in-flight: a retransmit carrying the same id is a fresh, novel
	// CALL as far as dispatch is concerned and gets answered again
	// rather than silently dropped.
	ep.HandleMessage(mustCall(t, "retry-1", "Heartbeat", nil))
	waitForSend(t, tr, 2)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected handler invoked for both the original and its retransmit, got %d", calls)
	}
	if n := tr.sentCount(); n != 2 {
		t.Fatalf("expected exactly 2 response frames, got %d", n)
	}
}

func TestStrictModeRejectsNonConformingParams(t *testing.T) {
	registry := NewRegistry()
	registry.On("BootNotification", func(ctx context.Context, action string, params []byte) (any, error) {
		t.Fatalf("handler should not run when strict-mode validation fails")
		return nil, nil
	})

	vreg := validate.ForProtocol("ocpp2.0.1")
	schema := []byte(`{
		"type": "object",
		"properties": {"chargePointVendor": {"type": "string"}},
		"required": ["chargePointVendor"],
		"additionalProperties": false
	}`)
	if err := vreg.Register(validate.SchemaID("BootNotification", validate.Request), schema); err != nil {
		t.Fatalf("Register schema: %v", err)
	}

	cfg := testConfig()
	cfg.StrictMode = true
	cmn.Rom.Set(cfg)
	q := queue.New(4)
	ep := NewEndpoint("CP-1", "ocpp2.0.1", RoleServer, registry, vreg, cfg, q)
	tr := &fakeTransport{}
	if err := ep.Attach(tr); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ep.HandleMessage(mustCall(t, "1", "BootNotification", map[string]any{}))
	waitForSend(t, tr, 1)

	msg, err := ocpp.Parse(tr.lastSent())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ce, ok := msg.(*ocpp.CallError)
	if !ok {
		t.Fatalf("expected CallError for schema violation, got %T", msg)
	}
	if ce.Code != string(rpcerr.OccurrenceConstraintViolation) {
		t.Fatalf("expected OccurrenceConstraintViolation, got %s", ce.Code)
	}
}

func TestBadMessageCountingTerminatesAtThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBadMessages = 2
	ep, tr := newOpenEndpoint(t, RoleServer, NewRegistry(), cfg)

	var badCount int
	var closed bool
	var mu sync.Mutex
	ep.OnBadMessage = func(err error) {
		mu.Lock()
		badCount++
		mu.Unlock()
	}
	ep.OnClose = func(code int, reason string) {
		mu.Lock()
		closed = true
		mu.Unlock()
	}

	ep.HandleMessage([]byte(`not json at all`))
	ep.HandleMessage([]byte(`not json at all`))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := closed
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if badCount != 2 {
		t.Fatalf("expected 2 bad-message callbacks, got %d", badCount)
	}
	if !closed {
		t.Fatalf("expected endpoint to terminate at MaxBadMessages")
	}
	if ep.State() != StateClosed {
		t.Fatalf("expected state CLOSED, got %s", ep.State())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.closed {
		t.Fatalf("expected transport.Close to have been called")
	}
}

func TestCallSucceedsWhenPeerAnswers(t *testing.T) {
	ep, tr := newOpenEndpoint(t, RoleClient, NewRegistry(), testConfig())

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if tr.sentCount() > 0 {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		frame := tr.lastSent()
		var elems []jsoniter.RawMessage
		if err := json.Unmarshal(frame, &elems); err != nil {
			t.Errorf("unmarshal outbound frame: %v", err)
			return
		}
		var id string
		json.Unmarshal(elems[1], &id)
		result, _ := ocpp.SerializeResult(id, map[string]string{"status": "Accepted"})
		ep.HandleMessage(result)
	}()

	res, err := ep.Call(context.Background(), "Reset", map[string]string{"type": "Hard"}, CallOptions{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(res, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["status"] != "Accepted" {
		t.Fatalf("unexpected result: %v", decoded)
	}
}

func TestCallTimesOutWithoutRetry(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	ep, _ := newOpenEndpoint(t, RoleClient, NewRegistry(), cfg)

	start := time.Now()
	_, err := ep.Call(context.Background(), "Reset", nil, CallOptions{Retries: 0})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !rpcerr.IsTimeout(err) {
		t.Fatalf("expected Timeout kind, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.CallTimeout {
		t.Fatalf("returned before timeout elapsed: %s", elapsed)
	}
}

func TestCallRetriesOnTimeoutThenSucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	ep, tr := newOpenEndpoint(t, RoleClient, NewRegistry(), cfg)

	go func() {
		// Let the first attempt time out, then answer the second.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if tr.sentCount() >= 2 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		frame := tr.lastSent()
		var elems []jsoniter.RawMessage
		json.Unmarshal(frame, &elems)
		var id string
		json.Unmarshal(elems[1], &id)
		result, _ := ocpp.SerializeResult(id, map[string]string{"status": "Accepted"})
		ep.HandleMessage(result)
	}()

	res, err := ep.Call(context.Background(), "Reset", nil, CallOptions{
		Retries:       1,
		RetryDelay:    10 * time.Millisecond,
		RetryMaxDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var decoded map[string]string
	json.Unmarshal(res, &decoded)
	if decoded["status"] != "Accepted" {
		t.Fatalf("unexpected result: %v", decoded)
	}
	if tr.sentCount() < 2 {
		t.Fatalf("expected at least 2 send attempts, got %d", tr.sentCount())
	}
}

func TestOfflineQueueFlushesOnAttach(t *testing.T) {
	cfg := testConfig()
	cfg.OfflineQueueEnabled = true
	q := queue.New(4)
	ep := NewEndpoint("CP-1", "ocpp2.0.1", RoleClient, NewRegistry(), nil, cfg, q)

	type callResult struct {
		res ocpp.RawMessage
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		res, err := ep.Call(context.Background(), "Heartbeat", nil, CallOptions{})
		done <- callResult{res, err}
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && ep.OfflineQueueSize() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if ep.OfflineQueueSize() != 1 {
		t.Fatalf("expected 1 queued offline call, got %d", ep.OfflineQueueSize())
	}

	tr := &fakeTransport{}
	if err := ep.Attach(tr); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if tr.sentCount() > 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		frame := tr.lastSent()
		var elems []jsoniter.RawMessage
		json.Unmarshal(frame, &elems)
		var id string
		json.Unmarshal(elems[1], &id)
		result, _ := ocpp.SerializeResult(id, map[string]string{"currentTime": "now"})
		ep.HandleMessage(result)
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("flushed call failed: %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flushed call never completed")
	}
}

func TestBackpressureCallbackFires(t *testing.T) {
	ep, tr := newOpenEndpoint(t, RoleServer, NewRegistry(), testConfig())
	tr.mu.Lock()
	tr.buffered = BackpressureThreshold + 1
	tr.mu.Unlock()

	fired := make(chan int, 1)
	ep.OnBackpressure = func(identity string, bufferedBytes int) {
		fired <- bufferedBytes
	}

	ep.sendRaw([]byte(`[]`))

	select {
	case n := <-fired:
		if n <= BackpressureThreshold {
			t.Fatalf("expected buffered bytes over threshold, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnBackpressure to fire")
	}
}

func TestAttachIllegalUnlessClosed(t *testing.T) {
	ep, _ := newOpenEndpoint(t, RoleClient, NewRegistry(), testConfig())
	if err := ep.Attach(&fakeTransport{}); err == nil {
		t.Fatal("expected error attaching while already OPEN")
	}
}

func TestServerRoleRejectsReattach(t *testing.T) {
	cfg := testConfig()
	q := queue.New(4)
	ep := NewEndpoint("CP-1", "ocpp2.0.1", RoleServer, NewRegistry(), nil, cfg, q)
	if err := ep.Attach(&fakeTransport{}); err != nil {
		t.Fatalf("first Attach: %v", err)
	}
	ep.Terminate(1000, "normal")

	if err := ep.Attach(&fakeTransport{}); err == nil {
		t.Fatal("expected server-role endpoint to reject a second Attach")
	}
}

func TestCloseSettlesPendingCallsWithError(t *testing.T) {
	ep, _ := newOpenEndpoint(t, RoleClient, NewRegistry(), testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := ep.Call(context.Background(), "Reset", nil, CallOptions{})
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	if err := ep.Close(false, true, 1000, "shutting down"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected pending call to settle with an error on close")
		}
	case <-time.After(time.Second):
		t.Fatal("pending call never settled after Close")
	}
}

func mustCall(t *testing.T, id, action string, params any) []byte {
	t.Helper()
	wire, err := ocpp.SerializeCall(id, action, params)
	if err != nil {
		t.Fatalf("SerializeCall: %v", err)
	}
	return wire
}

func waitForSend(t *testing.T, tr *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.sentCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frame(s), got %d", n, tr.sentCount())
}
