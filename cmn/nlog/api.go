// Package nlog is the logging facade used throughout ocpp-ws-io.
//
// It intentionally does not implement a logging engine: the business of
// rotating, shipping, or structuring log lines belongs to the host
// application (spec.md treats the logging façade as an external
// collaborator). What it provides is a small, pluggable, level-based
// sink that every other package calls into, so swapping the destination
// never touches call sites.
package nlog

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives formatted log lines at a given severity. Implementations
// must be safe for concurrent use.
type Sink interface {
	Write(sev Severity, line string)
}

type Severity int

const (
	SevInfo Severity = iota
	SevWarn
	SevErr
)

func (s Severity) String() string {
	switch s {
	case SevWarn:
		return "W"
	case SevErr:
		return "E"
	default:
		return "I"
	}
}

// stderrSink is the zero-configuration default: one line per call,
// timestamped, written to os.Stderr.
type stderrSink struct{ mu sync.Mutex }

func (s *stderrSink) Write(sev Severity, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(os.Stderr, "%s %s %s\n", sev, time.Now().Format("15:04:05.000000"), line)
}

// sinkBox wraps the active Sink so that sink always stores one concrete
// type, whichever Sink implementation is installed.
type sinkBox struct{ s Sink }

var sink atomic.Value // sinkBox

func init() { sink.Store(sinkBox{&stderrSink{}}) }

// SetSink replaces the active sink. Safe to call concurrently with
// logging calls; in-flight Write calls observe either the old or the
// new sink, never a torn one.
func SetSink(s Sink) {
	if s == nil {
		s = &stderrSink{}
	}
	sink.Store(sinkBox{s})
}

func current() Sink { return sink.Load().(sinkBox).s }

func Infof(format string, args ...any)    { current().Write(SevInfo, fmt.Sprintf(format, args...)) }
func Infoln(args ...any)                  { current().Write(SevInfo, fmt.Sprint(args...)) }
func Warningf(format string, args ...any) { current().Write(SevWarn, fmt.Sprintf(format, args...)) }
func Warningln(args ...any)               { current().Write(SevWarn, fmt.Sprint(args...)) }
func Errorf(format string, args ...any)   { current().Write(SevErr, fmt.Sprintf(format, args...)) }
func Errorln(args ...any)                 { current().Write(SevErr, fmt.Sprint(args...)) }
