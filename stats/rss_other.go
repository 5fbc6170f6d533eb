//go:build !linux

package stats

import "runtime"

func readRSSBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}
