package pending

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterKey identifies one rate-limited interface.
type LimiterKey struct {
	DeviceID  string
	Interface string
}

func (k LimiterKey) String() string {
	return fmt.Sprintf("%s:%s", k.DeviceID, k.Interface)
}

// ChurnLimiter tracks how often each device interface changes its
// public address. An interface that churns faster than the configured
// rate is blocked until its token bucket refills; tunnels on a blocked
// interface are held pending instead of being reprogrammed on every
// flap.
type ChurnLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[LimiterKey]*rate.Limiter
	blocked  map[LimiterKey]bool
}

// NewChurnLimiter creates a limiter allowing the given sustained rate
// of public address changes per interface.
func NewChurnLimiter(limit rate.Limit, burst int) *ChurnLimiter {
	return &ChurnLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[LimiterKey]*rate.Limiter),
		blocked:  make(map[LimiterKey]bool),
	}
}

// Observe records one public address change. It returns true when the
// change pushed the interface over the rate and it is now blocked.
// Observing an already blocked interface keeps it blocked.
func (l *ChurnLimiter) Observe(deviceID, ifcName string) bool {
	key := LimiterKey{DeviceID: deviceID, Interface: ifcName}

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}

	if !limiter.Allow() {
		already := l.blocked[key]
		l.blocked[key] = true
		return !already
	}
	return false
}

// IsBlocked reports whether the interface is currently blocked.
func (l *ChurnLimiter) IsBlocked(deviceID, ifcName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked[LimiterKey{DeviceID: deviceID, Interface: ifcName}]
}

// ReleaseReady unblocks every interface whose token bucket has refilled
// enough to admit a change again and returns their keys, so the caller
// can send resolved notifications and retry reactivation.
func (l *ChurnLimiter) ReleaseReady() []LimiterKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	var released []LimiterKey
	for key := range l.blocked {
		if limiter, ok := l.limiters[key]; ok && limiter.Tokens() >= 1 {
			delete(l.blocked, key)
			released = append(released, key)
		}
	}
	return released
}
