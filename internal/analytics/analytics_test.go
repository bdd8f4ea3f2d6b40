package analytics

import (
	"context"
	"testing"
	"time"
)

func testEvent(keyID string) Event {
	return Event{
		RequestID: "req-1",
		KeyID:     keyID,
		Outcome:   "VALID",
		Latency:   time.Millisecond,
		Region:    "test",
		Time:      time.Now(),
	}
}

func TestEmitBuffers(t *testing.T) {
	e := NewEmitter(4)

	e.Emit(testEvent("key-1"))
	e.Emit(testEvent("key-2"))

	if e.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", e.Pending())
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	e := NewEmitter(1)

	// Must never block, no matter how far ahead of the drain we get.
	for i := 0; i < 100; i++ {
		e.Emit(testEvent("key-1"))
	}

	if e.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", e.Pending())
	}
}

func TestStartDrains(t *testing.T) {
	e := NewEmitter(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 8; i++ {
		e.Emit(testEvent("key-1"))
	}

	e.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for e.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker did not drain buffer, pending = %d", e.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
