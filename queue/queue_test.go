package queue_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ocppio/ocpp-ws-io/queue"
)

func TestFIFOStartOrderUnderConcurrencyOne(t *testing.T) {
	q := queue.New(1)
	var mu sync.Mutex
	var order []int

	var futures []*queue.Future
	for i := 0; i < 20; i++ {
		i := i
		futures = append(futures, q.Submit(func() (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}
	for _, f := range futures {
		f.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected strict submission order, got %v", order)
		}
	}
}

func TestConcurrencyBoundIsRespected(t *testing.T) {
	q := queue.New(3)
	var cur, max int32
	var mu sync.Mutex

	var futures []*queue.Future
	for i := 0; i < 30; i++ {
		futures = append(futures, q.Submit(func() (any, error) {
			n := atomic.AddInt32(&cur, 1)
			mu.Lock()
			if n > int32(max) {
				max = n
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&cur, -1)
			return nil, nil
		}))
	}
	for _, f := range futures {
		f.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	if max > 3 {
		t.Fatalf("observed %d tasks running concurrently, want <= 3", max)
	}
}

func TestFailingTaskDoesNotStallQueue(t *testing.T) {
	q := queue.New(1)
	f1 := q.Submit(func() (any, error) { return nil, fmt.Errorf("boom") })
	f2 := q.Submit(func() (any, error) { return "ok", nil })

	if _, err := f1.Wait(); err == nil {
		t.Fatal("expected error from first task")
	}
	res, err := f2.Wait()
	if err != nil || res != "ok" {
		t.Fatalf("second task should have run normally, got %v, %v", res, err)
	}
}

func TestPanicRecoveredAsPanicError(t *testing.T) {
	q := queue.New(1)
	f := q.Submit(func() (any, error) { panic("kaboom") })
	_, err := f.Wait()
	var pe *queue.PanicError
	if err == nil {
		t.Fatal("expected an error")
	}
	if pe, _ = err.(*queue.PanicError); pe == nil {
		t.Fatalf("expected *queue.PanicError, got %T", err)
	}
}

func TestSetConcurrencyGrowthWakesWaiters(t *testing.T) {
	q := queue.New(1)
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	q.Submit(func() (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	f2 := q.Submit(func() (any, error) {
		started <- struct{}{}
		return nil, nil
	})

	<-started
	select {
	case <-started:
		t.Fatal("second task should not have started yet at concurrency 1")
	case <-time.After(20 * time.Millisecond):
	}

	q.SetConcurrency(2)
	<-started
	close(release)
	f2.Wait()
}

func TestCloseReleasesWaitingTasksWithErrClosed(t *testing.T) {
	q := queue.New(1)
	release := make(chan struct{})
	q.Submit(func() (any, error) {
		<-release
		return nil, nil
	})
	f2 := q.Submit(func() (any, error) { return "never", nil })

	q.Close()
	_, err := f2.Wait()
	if err != queue.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	close(release)
}

func TestSizeAndPendingAccounting(t *testing.T) {
	q := queue.New(1)
	release := make(chan struct{})
	q.Submit(func() (any, error) {
		<-release
		return nil, nil
	})
	q.Submit(func() (any, error) { return nil, nil })

	time.Sleep(5 * time.Millisecond)
	if got := q.Pending(); got != 1 {
		t.Fatalf("expected 1 pending task, got %d", got)
	}
	if got := q.Size(); got != 2 {
		t.Fatalf("expected 2 outstanding tasks, got %d", got)
	}
	close(release)
}
