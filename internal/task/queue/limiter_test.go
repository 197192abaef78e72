package queue

import (
	"sync"
	"testing"
)

func TestLimiterAcquireRelease(t *testing.T) {
	t.Parallel()

	l := NewLimiter(2)
	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatalf("expected two slots")
	}
	if l.TryAcquire() {
		t.Fatalf("third acquire should fail at max=2")
	}
	if got := l.Active(); got != 2 {
		t.Fatalf("active=%d, want 2", got)
	}
	if !l.Release() {
		t.Fatalf("release of a held slot should succeed")
	}
	if !l.TryAcquire() {
		t.Fatalf("slot should be free after release")
	}
}

func TestLimiterUnpairedReleaseNeverGoesNegative(t *testing.T) {
	t.Parallel()

	l := NewLimiter(1)
	if l.Release() {
		t.Fatalf("release without acquire should report false")
	}
	if got := l.Active(); got != 0 {
		t.Fatalf("active=%d, want 0", got)
	}
	if got := l.Unpaired(); got != 1 {
		t.Fatalf("unpaired=%d, want 1", got)
	}
}

func TestLimiterZeroMaxDefaultsToOne(t *testing.T) {
	t.Parallel()

	if got := NewLimiter(0).Max(); got != 1 {
		t.Fatalf("max=%d, want 1", got)
	}
}

func TestLimiterConcurrentAcquire(t *testing.T) {
	t.Parallel()

	const max = 3
	l := NewLimiter(max)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if got != max {
		t.Fatalf("acquired=%d, want %d", got, max)
	}
}
