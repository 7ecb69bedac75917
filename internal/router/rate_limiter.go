package router

import (
	"sync"
	"time"
)

// Default limiter settings.
const (
	DefaultMaxMessages = 30
	DefaultWindow      = time.Minute
	DefaultIdleTTL     = 5 * time.Minute
)

// RateLimiter is a fixed-window message counter keyed by identity.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	idleTTL time.Duration
	clients map[string]*ClientLimit
	now     func() time.Time
}

// ClientLimit tracks the current window of one identity.
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter allowing max messages per window.
// Non-positive arguments take the defaults.
func NewRateLimiter(max int, window, idleTTL time.Duration) *RateLimiter {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &RateLimiter{
		max:     max,
		window:  window,
		idleTTL: idleTTL,
		clients: make(map[string]*ClientLimit),
		now:     time.Now,
	}
}

// Allow reports whether identity may send another message. The empty
// identity (anonymous) is not limited here. A rejected attempt does not
// count against the window.
func (rl *RateLimiter) Allow(identity string) bool {
	if identity == "" {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, exists := rl.clients[identity]
	if !exists {
		rl.clients[identity] = &ClientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if !now.Before(limit.windowStart.Add(rl.window)) {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.max {
		return false
	}
	limit.messageCount++
	return true
}

// Cleanup drops windows that started more than idleTTL ago and returns how
// many were removed. The hub calls it on every sweep tick.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for identity, limit := range rl.clients {
		if now.Sub(limit.windowStart) > rl.idleTTL {
			delete(rl.clients, identity)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of identities with a live window.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
