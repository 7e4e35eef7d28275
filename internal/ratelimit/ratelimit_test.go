package ratelimit

import (
	"testing"
	"time"
)

// The notification hub gives each WebSocket subscriber its own Limiter at
// 60 requests/minute (internal/facade/hub.go); these tests exercise that
// configuration directly rather than an arbitrary rate/window pair.

func TestLimiterAllowsUpToSubscriberRate(t *testing.T) {
	subscriber := New(60, time.Minute)
	for i := 0; i < 60; i++ {
		if !subscriber.Allow() {
			t.Fatalf("inbound message %d should be allowed under the 60/minute budget", i+1)
		}
	}
	if subscriber.Allow() {
		t.Fatal("61st inbound message within the same window should be denied")
	}
}

func TestLimiterResetsOnNextWindow(t *testing.T) {
	subscriber := New(3, 30*time.Millisecond)
	for i := 0; i < 3; i++ {
		if !subscriber.Allow() {
			t.Fatalf("message %d should be within the window's budget", i+1)
		}
	}
	if subscriber.Allow() {
		t.Fatal("message beyond the window's budget should be denied")
	}

	time.Sleep(40 * time.Millisecond)
	if !subscriber.Allow() {
		t.Fatal("a new window should reopen the budget")
	}
}

func TestLimiterTracksEachSubscriberIndependently(t *testing.T) {
	// hub.go hands out one Limiter per connection; a flood from one
	// subscriber must not exhaust another's budget.
	a := New(1, time.Minute)
	b := New(1, time.Minute)

	if !a.Allow() {
		t.Fatal("subscriber A's first message should be allowed")
	}
	if a.Allow() {
		t.Fatal("subscriber A's second message should be denied")
	}
	if !b.Allow() {
		t.Fatal("subscriber B should have its own untouched budget")
	}
}
