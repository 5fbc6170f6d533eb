package hk

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRegRunsJobRepeatedly(t *testing.T) {
	h := New()
	go h.Run()
	defer h.Stop()

	var count atomic.Int32
	h.Reg("repeat", func() time.Duration {
		count.Add(1)
		return 5 * time.Millisecond
	}, time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if count.Load() >= 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job ran only %d times", count.Load())
}

func TestJobReturningZeroUnregisters(t *testing.T) {
	h := New()
	go h.Run()
	defer h.Stop()

	var count atomic.Int32
	h.Reg("once", func() time.Duration {
		count.Add(1)
		return 0
	}, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("expected job to run exactly once, ran %d times", got)
	}
}

func TestUnregStopsFutureRuns(t *testing.T) {
	h := New()
	go h.Run()
	defer h.Stop()

	var count atomic.Int32
	h.Reg("cancelme", func() time.Duration {
		count.Add(1)
		return time.Millisecond
	}, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	h.Unreg("cancelme")
	after := count.Load()
	time.Sleep(50 * time.Millisecond)
	if count.Load() > after+1 {
		t.Fatalf("job kept running after Unreg: before=%d after=%d", after, count.Load())
	}
}

func TestRegReplacesExistingJobUnderSameName(t *testing.T) {
	h := New()
	go h.Run()
	defer h.Stop()

	var oldCount, newCount atomic.Int32
	h.Reg("dup", func() time.Duration {
		oldCount.Add(1)
		return time.Millisecond
	}, time.Millisecond)

	h.Reg("dup", func() time.Duration {
		newCount.Add(1)
		return time.Millisecond
	}, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	if oldCount.Load() != 0 {
		t.Fatalf("expected replaced job to never run, ran %d times", oldCount.Load())
	}
	if newCount.Load() == 0 {
		t.Fatal("expected replacement job to run")
	}
}
