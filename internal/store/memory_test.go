package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSlidingWindowCounts(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		count, reset, err := m.IncrSlidingWindow(ctx, "k", time.Second)
		if err != nil {
			t.Fatalf("incr %d: %v", i, err)
		}
		if count != i {
			t.Fatalf("count = %d, want %d", count, i)
		}
		if reset <= 0 || reset > 1000 {
			t.Fatalf("reset = %dms, want (0, 1000]", reset)
		}
	}
}

func TestSlidingWindowTrimsOldEntries(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	base := time.Now()
	now := base
	m.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, _, err := m.IncrSlidingWindow(ctx, "k", time.Second); err != nil {
			t.Fatalf("incr: %v", err)
		}
	}
	now = base.Add(1500 * time.Millisecond)
	count, _, err := m.IncrSlidingWindow(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("incr after window: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after window = %d, want 1", count)
	}
}

// Concurrent increments on one key must never lose a count: the trim and
// insert are one atomic unit.
func TestSlidingWindowConcurrentStress(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	const goroutines = 50
	const perGoroutine = 40

	var wg sync.WaitGroup
	var max int64
	var mu sync.Mutex
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				count, _, err := m.IncrSlidingWindow(ctx, "hot", time.Minute)
				if err != nil {
					t.Errorf("incr: %v", err)
					return
				}
				mu.Lock()
				if count > max {
					max = count
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	count, _, err := m.CountSlidingWindow(ctx, "hot", time.Minute)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != goroutines*perGoroutine {
		t.Fatalf("final count = %d, want %d", count, goroutines*perGoroutine)
	}
	if max != goroutines*perGoroutine {
		t.Fatalf("max observed count = %d, want %d", max, goroutines*perGoroutine)
	}
}

func TestConcurrentCounterAcquireRelease(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := m.IncrConcurrent(ctx, "cc", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != i {
			t.Fatalf("count = %d, want %d", n, i)
		}
	}
	n, err := m.DecrConcurrent(ctx, "cc")
	if err != nil {
		t.Fatalf("decr: %v", err)
	}
	if n != 2 {
		t.Fatalf("count after decr = %d, want 2", n)
	}
}

func TestConcurrentCounterFloorsAtZero(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if n, err := m.DecrConcurrent(ctx, "cc"); err != nil || n != 0 {
		t.Fatalf("decr on missing key = (%d, %v), want (0, nil)", n, err)
	}
	if _, err := m.IncrConcurrent(ctx, "cc", time.Minute); err != nil {
		t.Fatalf("incr: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.DecrConcurrent(ctx, "cc"); err != nil {
			t.Fatalf("decr: %v", err)
		}
	}
	if n, _ := m.GetConcurrent(ctx, "cc"); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

// Pairs of acquire/release from many goroutines must come back to zero.
func TestConcurrentCounterNoLeak(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := m.IncrConcurrent(ctx, "cc", time.Minute); err != nil {
					t.Errorf("incr: %v", err)
					return
				}
				if _, err := m.DecrConcurrent(ctx, "cc"); err != nil {
					t.Errorf("decr: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if n, _ := m.GetConcurrent(ctx, "cc"); n != 0 {
		t.Fatalf("count after all releases = %d, want 0", n)
	}
}

func TestConcurrentCounterExpires(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	base := time.Now()
	now := base
	m.now = func() time.Time { return now }

	if _, err := m.IncrConcurrent(ctx, "cc", time.Second); err != nil {
		t.Fatalf("incr: %v", err)
	}
	now = base.Add(2 * time.Second)
	if n, _ := m.GetConcurrent(ctx, "cc"); n != 0 {
		t.Fatalf("expired count = %d, want 0", n)
	}
	// A fresh acquire after expiry starts from a clean counter.
	n, err := m.IncrConcurrent(ctx, "cc", time.Second)
	if err != nil {
		t.Fatalf("incr after expiry: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after expiry = %d, want 1", n)
	}
}

func TestResetExactAndPrefix(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	keys := Keys{Prefix: "rls"}
	k1 := keys.Window("user:u1", "rps")
	k2 := keys.Window("user:u1", "rpm")
	k3 := keys.Window("user:u2", "rps")
	for _, k := range []string{k1, k2, k3} {
		if _, _, err := m.IncrSlidingWindow(ctx, k, time.Minute); err != nil {
			t.Fatalf("incr %s: %v", k, err)
		}
	}

	if err := m.Reset(ctx, k1); err != nil {
		t.Fatalf("reset exact: %v", err)
	}
	if count, _, _ := m.CountSlidingWindow(ctx, k1, time.Minute); count != 0 {
		t.Fatalf("count after exact reset = %d, want 0", count)
	}

	for _, p := range keys.IdentifierPatterns("user:u1") {
		if err := m.Reset(ctx, p); err != nil {
			t.Fatalf("reset pattern %s: %v", p, err)
		}
	}
	if count, _, _ := m.CountSlidingWindow(ctx, k2, time.Minute); count != 0 {
		t.Fatalf("count after prefix reset = %d, want 0", count)
	}
	if count, _, _ := m.CountSlidingWindow(ctx, k3, time.Minute); count != 1 {
		t.Fatalf("other identifier swept by prefix reset, count = %d, want 1", count)
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	base := time.Now()
	now := base
	m.now = func() time.Time { return now }

	if _, _, err := m.IncrSlidingWindow(ctx, "k", time.Second); err != nil {
		t.Fatalf("incr: %v", err)
	}
	now = base.Add(time.Minute)
	m.sweep()

	m.mu.Lock()
	_, ok := m.windows["k"]
	m.mu.Unlock()
	if ok {
		t.Fatal("expired window entry survived the sweep")
	}
}
