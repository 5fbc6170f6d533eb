//go:build linux

package stats

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// readRSSBytes returns the current resident set size from
// /proc/self/statm, falling back to getrusage's peak RSS when that file
// cannot be read.
func readRSSBytes() uint64 {
	if b, err := os.ReadFile("/proc/self/statm"); err == nil {
		if f := strings.Fields(string(b)); len(f) >= 2 {
			if pages, err := strconv.ParseUint(f[1], 10, 64); err == nil {
				return pages * uint64(os.Getpagesize())
			}
		}
	}
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return uint64(ru.Maxrss) * 1024
}
