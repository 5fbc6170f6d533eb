package stats

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestSampleMemoryPopulatesGauges(t *testing.T) {
	r := New()
	r.SampleMemory()

	if v := gaugeValue(t, r.MemoryHeapBytes); v <= 0 {
		t.Fatalf("expected positive heap bytes, got %v", v)
	}
}

func TestHealthReportsSnapshotValues(t *testing.T) {
	r := New()
	h := r.Health(3, 7)
	if h.Status != "ok" {
		t.Fatalf("expected status ok, got %q", h.Status)
	}
	if h.ConnectedClients != 3 || h.Sessions != 7 {
		t.Fatalf("unexpected health snapshot: %+v", h)
	}
	if h.PID <= 0 {
		t.Fatal("expected a positive pid")
	}
}

func TestGathererIncludesRegisteredMetrics(t *testing.T) {
	r := New()
	r.ConnectedClients.Set(5)

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "ocpp_connected_clients" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected ocpp_connected_clients to be registered")
	}
}

func gaugeValue(t *testing.T, g interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}
