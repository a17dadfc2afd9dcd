package shard

import (
	"context"
	"testing"
	"time"
)

// TestSendLimiterWindow tests that the amount of permits acquired within a
// window never exceeds the tolerance, and that a used permit returns to the
// limiter one window after its release.
func TestSendLimiterWindow(t *testing.T) {
	window := 250 * time.Millisecond
	l := NewSendLimiter(3, 1, window)

	// two permits are available to queued commands (one is reserved).
	release1, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquiring the first permit: %v", err)
	}

	release2, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquiring the second permit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("acquired a permit beyond the tolerance")
	}

	// a released permit returns one window after release.
	start := time.Now()
	release1()
	release1() // releasing a permit more than once has no effect.
	release2()

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquiring a returned permit: %v", err)
	}
	release()

	if since := time.Since(start); since < window-50*time.Millisecond {
		t.Errorf("a permit returned %v after release, wanted ~%v", since, window)
	}
}

// TestSendLimiterPriority tests that a Heartbeat acquires a reserved permit
// even when the queued command lane is saturated.
func TestSendLimiterPriority(t *testing.T) {
	l := NewSendLimiter(2, 1, time.Minute)

	// saturate the queued command lane.
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquiring the queued command permit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := l.AcquirePriority(ctx); err != nil {
		t.Fatalf("acquiring a reserved permit with a saturated lane: %v", err)
	}

	// both lanes are now empty.
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := l.AcquirePriority(ctx); err == nil {
		t.Fatal("acquired a permit beyond the tolerance")
	}
}
