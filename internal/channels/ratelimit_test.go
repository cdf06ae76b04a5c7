package channels

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if rl.Allow() {
		t.Error("bucket should be empty after burst")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(100, 1)

	if !rl.Allow() {
		t.Fatal("first token denied")
	}
	if rl.Allow() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(30 * time.Millisecond)
	if !rl.Allow() {
		t.Error("token should have refilled")
	}
}

func TestRateLimiterCapacityCap(t *testing.T) {
	rl := NewRateLimiter(1000, 2)
	time.Sleep(20 * time.Millisecond)

	if got := rl.Tokens(); got > 2 {
		t.Errorf("tokens = %v, capacity is 2", got)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	rl.Allow() // drain

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait should fail when ctx expires before a token is available")
	}
}

func TestRateLimiterWaitSucceeds(t *testing.T) {
	rl := NewRateLimiter(200, 1)
	rl.Allow() // drain

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Wait took too long for a 200/s limiter")
	}
}
