package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireWithinQuotaDoesNotBlock(t *testing.T) {
	l := New(5, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("within-quota acquires took %s", elapsed)
	}
	if got := l.Count(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestAcquireBlocksUntilNextWindow(t *testing.T) {
	l := New(2, 100*time.Millisecond)
	ctx := context.Background()

	_ = l.Acquire(ctx)
	_ = l.Acquire(ctx)

	start := time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("over-quota acquire returned after only %s", elapsed)
	}
}

func TestAcquireHonoursContextCancellation(t *testing.T) {
	l := New(1, time.Hour)
	_ = l.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestConcurrentCallersNeverExceedQuota(t *testing.T) {
	const rate = 4
	l := New(rate, 80*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 200ms spans at most three 80ms windows.
	if granted > 3*rate {
		t.Fatalf("granted %d calls across ≤3 windows of %d", granted, rate)
	}
	if granted < rate {
		t.Fatalf("granted only %d calls, want at least one full window", granted)
	}
}
