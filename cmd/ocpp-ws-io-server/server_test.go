package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocppio/ocpp-ws-io/cmn"
	"github.com/ocppio/ocpp-ws-io/ocpp"
	"github.com/ocppio/ocpp-ws-io/rpc"
	"github.com/ocppio/ocpp-ws-io/validate"
	"github.com/ocppio/ocpp-ws-io/wsio"
)

// newGateway builds the wsio.Server half of the gateway (everything
// except the adapter/cluster/session plumbing, which package wsio
// doesn't need to serve a connection) the way main wires it, for use
// against a real loopback httptest.Server.
func newGateway(t *testing.T, strict bool) *httptest.Server {
	t.Helper()
	cfg := cmn.Default().Clone()
	cfg.Subprotocols = []string{"ocpp1.6"}
	cfg.StrictMode = strict
	cfg.ConnRateLimit = cmn.RateLimitRule{Limit: 1000, Window: time.Second}
	// Installed the way main does, so endpoints' cmn.Rom reads (strict
	// mode, timeouts) see this config.
	cmn.GCO.Update(cfg)

	registry := rpc.NewRegistry()
	registerHandlers(registry)

	var validator *validate.Registry
	if strict {
		validator = validate.ForProtocol("ocpp1.6")
		registerSchemas(validator)
	}

	srv := wsio.NewServer(cfg, registry, validator)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func dialStation(t *testing.T, ts *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + identity
	header := http.Header{"Sec-WebSocket-Protocol": []string{"ocpp1.6"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame []any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

// TestCallResponseBootNotification exercises spec.md §8 scenario 1:
// a client call against a registered handler resolves with the
// handler's result.
func TestCallResponseBootNotification(t *testing.T) {
	ts := newGateway(t, false)
	conn := dialStation(t, ts, "CP-1")

	call, err := ocpp.SerializeCall("boot-1", "BootNotification", map[string]string{
		"chargePointModel":  "M",
		"chargePointVendor": "V",
	})
	if err != nil {
		t.Fatalf("serialize call: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, call); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if len(frame) != 3 {
		t.Fatalf("expected a CALLRESULT triple, got %v", frame)
	}
	if int(frame[0].(float64)) != int(ocpp.TypeCallResult) {
		t.Fatalf("expected CALLRESULT type id, got %v", frame[0])
	}
	if frame[1] != "boot-1" {
		t.Fatalf("expected id boot-1, got %v", frame[1])
	}
	payload := frame[2].(map[string]any)
	if payload["status"] != "Accepted" {
		t.Fatalf("expected status Accepted, got %v", payload["status"])
	}
}

// TestHeartbeatIdempotency exercises spec.md §8 scenario 3: two calls
// sharing an id both receive a response framed with that same id.
func TestHeartbeatIdempotency(t *testing.T) {
	ts := newGateway(t, false)
	conn := dialStation(t, ts, "CP-2")

	call, err := ocpp.SerializeCall("K", "Heartbeat", []byte(`{}`))
	if err != nil {
		t.Fatalf("serialize call: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, call); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		frame := readFrame(t, conn)
		if frame[1] != "K" {
			t.Fatalf("call %d: expected id K, got %v", i, frame[1])
		}
	}
}

// TestStrictModeRejectsMissingIDTag exercises spec.md §8 scenario 6:
// a RemoteStartTransaction missing the required idTag is rejected by
// schema validation before the handler runs, as a CALLERROR.
func TestStrictModeRejectsMissingIDTag(t *testing.T) {
	ts := newGateway(t, true)
	conn := dialStation(t, ts, "CP-3")

	call, err := ocpp.SerializeCall("rst-1", "RemoteStartTransaction", map[string]int{"connectorId": 1})
	if err != nil {
		t.Fatalf("serialize call: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, call); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if len(frame) != 5 {
		t.Fatalf("expected a CALLERROR quintuple, got %v", frame)
	}
	if int(frame[0].(float64)) != int(ocpp.TypeCallError) {
		t.Fatalf("expected CALLERROR type id, got %v", frame[0])
	}
	if frame[2] != "OccurrenceConstraintViolation" {
		t.Fatalf("expected OccurrenceConstraintViolation, got %v", frame[2])
	}
}

// TestUnacceptableSubprotocolRejected confirms the gateway's front
// door still applies with the illustrative handlers wired in.
func TestUnacceptableSubprotocolRejected(t *testing.T) {
	ts := newGateway(t, false)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/CP-4"
	header := http.Header{"Sec-WebSocket-Protocol": []string{"ocpp2.0.1"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}
