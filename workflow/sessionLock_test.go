package workflow

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	locks := NewLockManager()

	if !locks.TryAcquire(1) {
		t.Fatalf("first acquire must succeed")
	}
	if locks.TryAcquire(1) {
		t.Fatalf("second acquire on a held lock must fail")
	}
	// Locks are per session.
	if !locks.TryAcquire(2) {
		t.Fatalf("a different session must be independently lockable")
	}
}

func TestTryAcquireUnderContention(t *testing.T) {
	locks := NewLockManager()

	const goroutines = 50
	var winners int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if locks.TryAcquire(7) {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	locks := NewLockManager()

	if !locks.TryAcquire(1) {
		t.Fatalf("acquire failed")
	}
	locks.Release(1)
	if !locks.TryAcquire(1) {
		t.Fatalf("reacquire after release must succeed")
	}
}

func TestCleanupKeepsHeldLocks(t *testing.T) {
	locks := NewLockManager()

	locks.TryAcquire(1)
	locks.Cleanup(1)
	if !locks.Held(1) {
		t.Fatalf("cleanup must not evict a held lock")
	}

	locks.Release(1)
	locks.Cleanup(1)
	if locks.Held(1) {
		t.Fatalf("released lock should be gone after cleanup")
	}
	if !locks.TryAcquire(1) {
		t.Fatalf("acquire after cleanup must succeed")
	}
}
