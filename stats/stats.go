// Package stats is the process-wide metrics registry and the
// /health + /metrics HTTP side-channel (spec.md §6's "HTTP
// side-channels"), run on a separate admin listener from the OCPP
// upgrade path itself.
//
// Metrics are registered by name against a dedicated prometheus.Registry
// rather than the global default one, so multiple gateway instances in
// the same process (as in tests) never collide on metric names.
package stats

import (
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every gauge/counter the health and metrics endpoints
// report (spec.md §6: ocpp_connected_clients, ocpp_memory_rss_bytes,
// ocpp_memory_heap_used_bytes, ocpp_ws_buffered_bytes).
type Registry struct {
	reg *prometheus.Registry

	ConnectedClients prometheus.Gauge
	MemoryRSSBytes   prometheus.Gauge
	MemoryHeapBytes  prometheus.Gauge
	BufferedBytes    prometheus.Gauge

	startedAt time.Time
}

// New builds a Registry with every metric registered under reg.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg:       reg,
		startedAt: time.Now(),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_connected_clients",
			Help: "Number of currently open OCPP-J connections.",
		}),
		MemoryRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_memory_rss_bytes",
			Help: "Resident set size of this process.",
		}),
		MemoryHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_memory_heap_used_bytes",
			Help: "Heap bytes currently in use.",
		}),
		BufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_ws_buffered_bytes",
			Help: "Sum of buffered-but-unflushed bytes across all transports.",
		}),
	}
	reg.MustRegister(r.ConnectedClients, r.MemoryRSSBytes, r.MemoryHeapBytes, r.BufferedBytes)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP
// handler (promhttp.HandlerFor) to render as the /metrics text format.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// SampleMemory refreshes MemoryRSSBytes/MemoryHeapBytes from the
// runtime. rss comes from the platform-specific reader (ratelimit's
// adaptive sampler reads the same source; stats takes its own reading
// so this package has no dependency on ratelimit).
func (r *Registry) SampleMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.MemoryHeapBytes.Set(float64(m.HeapInuse))
	r.MemoryRSSBytes.Set(float64(readRSSBytes()))
}

// HealthStatus is the JSON body GET /health returns.
type HealthStatus struct {
	Status          string `json:"status"`
	ConnectedClients int    `json:"connectedClients"`
	Sessions        int    `json:"sessions"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	PID             int    `json:"pid"`
}

// Health builds the current health snapshot.
func (r *Registry) Health(connectedClients, sessions int) HealthStatus {
	return HealthStatus{
		Status:           "ok",
		ConnectedClients: connectedClients,
		Sessions:         sessions,
		UptimeSeconds:    int64(time.Since(r.startedAt).Seconds()),
		PID:              os.Getpid(),
	}
}
