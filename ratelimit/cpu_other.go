//go:build !linux

package ratelimit

import (
	"runtime"
	"time"
)

// readProcessCPUTime falls back to the Go runtime's own GC CPU
// accounting on platforms without getrusage(RUSAGE_SELF) wired up;
// it undercounts application CPU time but keeps the adaptive sampler
// functional outside Linux deployments.
func readProcessCPUTime() time.Duration {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return time.Duration(stats.PauseTotalNs)
}

func readRSSBytes() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Sys
}
