package server

import (
	"sync"
	"sync/atomic"
)

// GlobalConnectionLimiter caps total concurrent WebSocket connections per
// instance. Uses atomic operations for lock-free counting.
type GlobalConnectionLimiter struct {
	current atomic.Int64
	max     int64
}

// NewGlobalConnectionLimiter creates a limiter with the specified maximum connections.
func NewGlobalConnectionLimiter(max int64) *GlobalConnectionLimiter {
	return &GlobalConnectionLimiter{max: max}
}

// Acquire attempts to acquire a connection slot.
// Returns true if successful, false if at capacity.
func (l *GlobalConnectionLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release releases a connection slot.
func (l *GlobalConnectionLimiter) Release() {
	l.current.Add(-1)
}

// Current returns the current number of connections.
func (l *GlobalConnectionLimiter) Current() int64 {
	return l.current.Load()
}

// Max returns the maximum allowed connections.
func (l *GlobalConnectionLimiter) Max() int64 {
	return l.max
}

// IPConnectionLimiter caps concurrent connections per client IP address.
type IPConnectionLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

// NewIPConnectionLimiter creates a limiter with the specified per-IP maximum.
func NewIPConnectionLimiter(maxPer int) *IPConnectionLimiter {
	return &IPConnectionLimiter{
		ips:    make(map[string]int),
		maxPer: maxPer,
	}
}

// Acquire attempts to acquire a connection slot for the given IP.
// Returns true if successful, false if the IP is at its limit.
func (l *IPConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

// Release releases a connection slot for the given IP, dropping the map
// entry when its count reaches zero.
func (l *IPConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] <= 1 {
		delete(l.ips, ip)
		return
	}
	l.ips[ip]--
}

// Count returns the current number of connections for the given IP.
func (l *IPConnectionLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}
