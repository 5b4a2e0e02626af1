// Package limiter implements per-source-address admission control for new
// connections using a sliding window of attempt timestamps. It is a cheap
// defense against connection floods, not a security boundary; state lives in
// memory and resets on restart.
package limiter

import (
	"sync"
	"time"
)

// SlidingWindow admits up to max attempts per source address within a trailing
// window. Timestamps outside the window are pruned on every call.
type SlidingWindow struct {
	window   time.Duration
	max      int
	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time
}

func NewSlidingWindow(window time.Duration, max int) *SlidingWindow {
	return &SlidingWindow{
		window:   window,
		max:      max,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Admit reports whether a connection attempt from addr may proceed. On
// admission the attempt is recorded against the window; rejected attempts are
// not recorded, so a throttled client recovers as soon as old attempts age out.
func (sw *SlidingWindow) Admit(addr string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	windowStart := now.Add(-sw.window)

	kept := sw.attempts[addr][:0]
	for _, t := range sw.attempts[addr] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= sw.max {
		sw.attempts[addr] = kept
		return false
	}

	sw.attempts[addr] = append(kept, now)
	return true
}

// Count returns the number of attempts currently inside the window for addr.
func (sw *SlidingWindow) Count(addr string) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	windowStart := sw.now().Add(-sw.window)
	n := 0
	for _, t := range sw.attempts[addr] {
		if t.After(windowStart) {
			n++
		}
	}
	return n
}

// Prune drops addresses whose every recorded attempt has aged out, bounding
// memory across many distinct sources. Called from the cleanup sweeper.
func (sw *SlidingWindow) Prune() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	windowStart := sw.now().Add(-sw.window)
	for addr, ts := range sw.attempts {
		live := false
		for _, t := range ts {
			if t.After(windowStart) {
				live = true
				break
			}
		}
		if !live {
			delete(sw.attempts, addr)
		}
	}
}
