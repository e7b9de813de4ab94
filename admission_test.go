package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testLimits() map[Tier]int {
	return map[Tier]int{
		TierStandard:   2,
		TierPremium:    4,
		TierBusiness:   6,
		TierEnterprise: 8,
	}
}

func mustAcquire(t *testing.T, c *AdmissionController, tier Tier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Acquire(ctx, tier); err != nil {
		t.Fatalf("Acquire(%s) failed: %v", tier, err)
	}
}

// acquireBlocks asserts that an Acquire call suspends rather than being
// granted, and returns a channel that closes once it is eventually granted.
func acquireBlocks(t *testing.T, c *AdmissionController, tier Tier) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		if err := c.Acquire(context.Background(), tier); err == nil {
			close(done)
		}
	}()
	select {
	case <-done:
		t.Fatalf("Acquire(%s) granted immediately, expected to block", tier)
	case <-time.After(50 * time.Millisecond):
	}
	return done
}

func TestAcquireWithinCeiling(t *testing.T) {
	c := NewAdmissionController(testLimits())
	mustAcquire(t, c, TierStandard)
	mustAcquire(t, c, TierStandard)
	if got := c.Active(); got != 2 {
		t.Fatalf("Active() = %d, want 2", got)
	}
}

func TestStandardBlocksAtCeiling(t *testing.T) {
	c := NewAdmissionController(testLimits())
	mustAcquire(t, c, TierStandard)
	mustAcquire(t, c, TierStandard)

	blocked := acquireBlocks(t, c, TierStandard)

	c.Release()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("blocked waiter not granted after Release")
	}
}

func TestHigherTierAdmittedAboveLowerCeiling(t *testing.T) {
	c := NewAdmissionController(testLimits())
	// Saturate past the standard ceiling using premium slots.
	for i := 0; i < 4; i++ {
		mustAcquire(t, c, TierPremium)
	}
	// Premium is now at its own ceiling.
	acquireBlocks(t, c, TierPremium)
	// Enterprise still fits: its ceiling is 8.
	mustAcquire(t, c, TierEnterprise)
	if got := c.Active(); got != 5 {
		t.Fatalf("Active() = %d, want 5", got)
	}
}

func TestPoolNeverExceedsTierCeiling(t *testing.T) {
	c := NewAdmissionController(testLimits())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	granted := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Acquire(ctx, TierEnterprise); err != nil {
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
		}()
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	if granted != 8 {
		mu.Unlock()
		t.Fatalf("granted %d slots, want exactly the enterprise ceiling of 8", granted)
	}
	mu.Unlock()
	if got := c.Active(); got != 8 {
		t.Fatalf("Active() = %d, want 8", got)
	}

	cancel()
	wg.Wait()
}

func TestHighTierSkipsAheadOfEarlierLowTierWaiter(t *testing.T) {
	c := NewAdmissionController(map[Tier]int{
		TierStandard:   1,
		TierPremium:    2,
		TierBusiness:   2,
		TierEnterprise: 2,
	})
	mustAcquire(t, c, TierPremium)
	mustAcquire(t, c, TierPremium)

	// Standard queues first, premium second; both share the normal-priority
	// queue. After one release the active count is 1: standard's ceiling (1)
	// is not satisfiable, premium's (2) is, so premium must be granted
	// despite queueing later.
	stdDone := acquireBlocks(t, c, TierStandard)
	premDone := acquireBlocks(t, c, TierPremium)

	c.Release()
	select {
	case <-premDone:
	case <-stdDone:
		t.Fatal("standard waiter granted ahead of satisfiable premium waiter")
	case <-time.After(time.Second):
		t.Fatal("no waiter granted after Release")
	}

	// Two more releases drain the pool to zero; standard finally fits.
	c.Release()
	c.Release()
	select {
	case <-stdDone:
	case <-time.After(time.Second):
		t.Fatal("standard waiter never granted")
	}
}

func TestHighPriorityQueueDrainedFirst(t *testing.T) {
	c := NewAdmissionController(map[Tier]int{
		TierStandard:   2,
		TierPremium:    2,
		TierBusiness:   2,
		TierEnterprise: 2,
	})
	mustAcquire(t, c, TierStandard)
	mustAcquire(t, c, TierStandard)

	// Both waiters would be satisfiable after one release, but business sits
	// in the high-priority queue and must win even though standard queued
	// earlier.
	stdDone := acquireBlocks(t, c, TierStandard)
	bizDone := acquireBlocks(t, c, TierBusiness)

	c.Release()
	select {
	case <-bizDone:
	case <-stdDone:
		t.Fatal("normal-priority waiter granted ahead of high-priority waiter")
	case <-time.After(time.Second):
		t.Fatal("no waiter granted after Release")
	}

	c.Release()
	select {
	case <-stdDone:
	case <-time.After(time.Second):
		t.Fatal("standard waiter never granted")
	}
}

func TestFIFOWithinTier(t *testing.T) {
	c := NewAdmissionController(map[Tier]int{
		TierStandard:   1,
		TierPremium:    1,
		TierBusiness:   1,
		TierEnterprise: 1,
	})
	mustAcquire(t, c, TierStandard)

	order := make(chan int, 2)
	ready := make(chan struct{})
	go func() {
		close(ready)
		if err := c.Acquire(context.Background(), TierStandard); err == nil {
			order <- 1
		}
	}()
	<-ready
	time.Sleep(50 * time.Millisecond) // first waiter is queued
	go func() {
		if err := c.Acquire(context.Background(), TierStandard); err == nil {
			order <- 2
		}
	}()
	time.Sleep(50 * time.Millisecond)

	c.Release()
	select {
	case got := <-order:
		if got != 1 {
			t.Fatalf("waiter %d granted first, want waiter 1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no waiter granted")
	}
	c.Release()
	select {
	case got := <-order:
		if got != 2 {
			t.Fatalf("waiter %d granted second, want waiter 2", got)
		}
	case <-time.After(time.Second):
		t.Fatal("second waiter never granted")
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	c := NewAdmissionController(map[Tier]int{
		TierStandard:   1,
		TierPremium:    1,
		TierBusiness:   1,
		TierEnterprise: 1,
	})
	mustAcquire(t, c, TierStandard)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Acquire(ctx, TierStandard)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("Acquire returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return")
	}
	if got := c.Waiting(); got != 0 {
		t.Fatalf("Waiting() = %d after cancellation, want 0", got)
	}

	// The held slot must still release and re-grant cleanly.
	c.Release()
	mustAcquire(t, c, TierStandard)
}

func TestBalanceUnderChurn(t *testing.T) {
	c := NewAdmissionController(testLimits())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		tier := []Tier{TierStandard, TierPremium, TierBusiness, TierEnterprise}[i%4]
		go func(tier Tier) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Acquire(ctx, tier); err != nil {
				return
			}
			defer c.Release()
			time.Sleep(time.Millisecond)
		}(tier)
	}
	wg.Wait()
	if got := c.Active(); got != 0 {
		t.Fatalf("Active() = %d after all work finished, want 0", got)
	}
	if got := c.Waiting(); got != 0 {
		t.Fatalf("Waiting() = %d after all work finished, want 0", got)
	}
}
