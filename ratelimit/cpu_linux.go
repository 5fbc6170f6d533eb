//go:build linux

package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// readProcessCPUTime returns total user+sys CPU time consumed by this
// process so far, via getrusage(RUSAGE_SELF).
func readProcessCPUTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}

// readRSSBytes returns the process's current resident set size, read
// from /proc/self/statm (resident pages times the page size). If that
// file cannot be read it falls back to getrusage's ru_maxrss, which is
// the peak resident set size.
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
	// ru.Maxrss is in KB on Linux.
	return uint64(ru.Maxrss) * 1024
}
