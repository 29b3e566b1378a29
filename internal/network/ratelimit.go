package network

import (
	"net/netip"
	"sync"
	"time"
)

// RateTracker tracks per-IP datagram counts within a fixed one second window.
type RateTracker struct {
	mu        sync.Mutex
	counts    map[netip.Addr]*rateBucket
	maxPerSec int
	now       func() time.Time
	dropped   uint64
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// NewRateTracker creates a tracker allowing maxPerSec events per IP.
// A non-positive limit disables tracking.
func NewRateTracker(maxPerSec int) *RateTracker {
	return &RateTracker{
		counts:    make(map[netip.Addr]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

// Allow records one event for ip and reports whether it is within the limit.
func (rt *RateTracker) Allow(ip netip.Addr) bool {
	if rt == nil || rt.maxPerSec <= 0 {
		return true
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	if b.count > rt.maxPerSec {
		rt.dropped++
		return false
	}
	return true
}

// Sweep forgets buckets whose window ended more than a second ago.
func (rt *RateTracker) Sweep() int {
	if rt == nil {
		return 0
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	removed := 0
	for ip, b := range rt.counts {
		if now.Sub(b.windowStart) >= 2*time.Second {
			delete(rt.counts, ip)
			removed++
		}
	}
	return removed
}

// Dropped returns how many events were refused.
func (rt *RateTracker) Dropped() uint64 {
	if rt == nil {
		return 0
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.dropped
}
