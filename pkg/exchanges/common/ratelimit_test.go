package common

import (
	"context"
	"testing"
	"time"
)

func TestOrderPacerWindowCap(t *testing.T) {
	now := time.Now()
	p := NewOrderPacer(3, 10)
	p.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.WaitIfNeeded(ctx); err != nil {
			t.Fatalf("admission %d: %v", i, err)
		}
	}
	if got := p.InWindow(); got != 3 {
		t.Fatalf("InWindow = %d, want 3", got)
	}

	// A full window must block; a cancelled context unblocks it.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.WaitIfNeeded(ctx); err == nil {
		t.Fatal("expected context deadline at full window")
	}

	// Rolling the clock past the window frees all slots.
	now = now.Add(61 * time.Second)
	if err := p.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("after rollover: %v", err)
	}
	if got := p.InWindow(); got != 1 {
		t.Fatalf("InWindow after rollover = %d, want 1", got)
	}
}

func TestBatchDelay(t *testing.T) {
	if d := BatchDelay(8); d != 125*time.Millisecond {
		t.Errorf("BatchDelay(8) = %v, want 125ms", d)
	}
	if d := BatchDelay(5); d != 200*time.Millisecond {
		t.Errorf("BatchDelay(5) = %v, want 200ms", d)
	}
	if d := BatchDelay(0); d != 0 {
		t.Errorf("BatchDelay(0) = %v, want 0", d)
	}
}

func TestWeightTracker(t *testing.T) {
	w := NewWeightTracker("binance", 1200, time.Minute)
	w.UpdateFromHeader("600")
	if w.ShouldDelay() {
		t.Error("50% usage should not delay")
	}
	w.UpdateFromHeader("1100")
	if !w.ShouldDelay() {
		t.Error("91% usage should delay")
	}
	w.UpdateFromHeader("not-a-number")
	if !w.ShouldDelay() {
		t.Error("garbage header must not reset the tracker")
	}
}
