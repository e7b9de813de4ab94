package main

import (
	"context"
	"sync"
)

// admissionWaiter is one suspended Acquire call.
type admissionWaiter struct {
	tier    Tier
	ready   chan struct{}
	granted bool
}

// AdmissionController bounds the number of concurrent expensive operations.
// A single active counter is shared by all tiers; each tier has its own
// ceiling, so a saturated pool can still admit a higher tier while lower
// tiers queue. Waiters are kept in two FIFO queues (high and normal
// priority); on release the high queue is drained first, and within a queue
// the first waiter whose ceiling is satisfiable wins, which lets a high-tier
// ceiling skip ahead of an earlier low-tier waiter.
//
// All state is owned by the controller and mutated only through Acquire and
// Release; callers must pair every successful Acquire with exactly one
// Release on every exit path.
type AdmissionController struct {
	mu     sync.Mutex
	active int
	limits map[Tier]int
	high   []*admissionWaiter
	normal []*admissionWaiter
}

// NewAdmissionController builds a controller from per-tier ceilings.
func NewAdmissionController(limits map[Tier]int) *AdmissionController {
	c := &AdmissionController{limits: make(map[Tier]int, len(limits))}
	for t, l := range limits {
		c.limits[t] = l
	}
	return c
}

func (c *AdmissionController) ceiling(t Tier) int {
	if l, ok := c.limits[t]; ok {
		return l
	}
	return c.limits[TierStandard]
}

// Acquire blocks until a slot is granted or ctx is done. It never fails for
// capacity reasons; it only suspends.
func (c *AdmissionController) Acquire(ctx context.Context, tier Tier) error {
	c.mu.Lock()
	if c.active < c.ceiling(tier) {
		c.active++
		admissionActive.Set(float64(c.active))
		c.mu.Unlock()
		return nil
	}

	w := &admissionWaiter{tier: tier, ready: make(chan struct{})}
	if tier.HighPriority() {
		c.high = append(c.high, w)
	} else {
		c.normal = append(c.normal, w)
	}
	admissionWaiting.Set(float64(len(c.high) + len(c.normal)))
	c.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		if w.granted {
			// A release granted us between ctx firing and taking the lock;
			// hand the slot straight back so the count stays balanced.
			c.releaseLocked()
		} else {
			c.remove(w)
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a slot and wakes the first satisfiable waiter, if any.
func (c *AdmissionController) Release() {
	c.mu.Lock()
	c.releaseLocked()
	c.mu.Unlock()
}

func (c *AdmissionController) releaseLocked() {
	c.active--
	for _, q := range []*[]*admissionWaiter{&c.high, &c.normal} {
		for i, w := range *q {
			if c.active < c.ceiling(w.tier) {
				c.active++
				*q = append((*q)[:i], (*q)[i+1:]...)
				w.granted = true
				close(w.ready)
				admissionActive.Set(float64(c.active))
				admissionWaiting.Set(float64(len(c.high) + len(c.normal)))
				return
			}
		}
	}
	admissionActive.Set(float64(c.active))
}

func (c *AdmissionController) remove(target *admissionWaiter) {
	for _, q := range []*[]*admissionWaiter{&c.high, &c.normal} {
		for i, w := range *q {
			if w == target {
				*q = append((*q)[:i], (*q)[i+1:]...)
				admissionWaiting.Set(float64(len(c.high) + len(c.normal)))
				return
			}
		}
	}
}

// Active returns the number of currently held slots.
func (c *AdmissionController) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Waiting returns the number of suspended acquirers.
func (c *AdmissionController) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.high) + len(c.normal)
}
