package session

import (
	"sync"
	"testing"
	"time"

	"github.com/ocppio/ocpp-ws-io/hk"
)

func TestTouchCreatesThenUpdatesSameSession(t *testing.T) {
	r := New(10, time.Hour, 0)
	s1 := r.Touch("CP-1")
	if s1.SnapshotID == "" {
		t.Fatal("expected a snapshot id")
	}
	first := s1.LastActive

	time.Sleep(time.Millisecond)
	s2 := r.Touch("CP-1")
	if s2.SnapshotID != s1.SnapshotID {
		t.Fatal("expected touch on known identity to reuse the session")
	}
	if !s2.LastActive.After(first) {
		t.Fatal("expected LastActive to advance")
	}
}

func TestSetDataCreatesSessionIfAbsent(t *testing.T) {
	r := New(10, time.Hour, 0)
	r.SetData("CP-1", "boot-notification-payload")
	s, ok := r.Get("CP-1")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if s.Data != "boot-notification-payload" {
		t.Fatalf("unexpected data: %v", s.Data)
	}
}

func TestLRUEvictsLeastRecentlyActiveOnOverflow(t *testing.T) {
	r := New(2, time.Hour, 0)
	var evicted []string
	var mu sync.Mutex
	r.OnEvict = func(identity, reason string) {
		mu.Lock()
		evicted = append(evicted, identity)
		mu.Unlock()
	}

	r.Touch("CP-1")
	r.Touch("CP-2")
	r.Touch("CP-1") // CP-1 now most recent, CP-2 least recent
	r.Touch("CP-3") // should evict CP-2

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(evicted)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "CP-2" {
		t.Fatalf("expected CP-2 to be evicted, got %v", evicted)
	}
	if _, ok := r.Get("CP-2"); ok {
		t.Fatal("CP-2 should no longer be tracked")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", r.Len())
	}
}

func TestRemoveEvictsImmediately(t *testing.T) {
	r := New(10, time.Hour, 0)
	r.Touch("CP-1")
	r.Remove("CP-1")
	if _, ok := r.Get("CP-1"); ok {
		t.Fatal("expected CP-1 to be removed")
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	// The sweep is registered on hk.Default, which runs only once started.
	go hk.Default.Run()
	r := New(10, 20*time.Millisecond, time.Millisecond)
	r.Touch("CP-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("CP-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected CP-1 to expire via GC")
}
