package router

import (
	"sync"

	"golang.org/x/time/rate"
)

// TypingThrottle limits "started typing" indicators per connection with a
// token bucket. It is separate from the message window.
type TypingThrottle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewTypingThrottle allows perSecond indicators per connection with the
// given burst.
func NewTypingThrottle(perSecond float64, burst int) *TypingThrottle {
	if perSecond <= 0 {
		perSecond = 2
	}
	if burst <= 0 {
		burst = 4
	}
	return &TypingThrottle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether connID may emit a typing indicator now. Stopping
// is always allowed so the final state is delivered.
func (t *TypingThrottle) Allow(connID string, isTyping bool) bool {
	if !isTyping {
		return true
	}
	t.mu.Lock()
	bucket, ok := t.buckets[connID]
	if !ok {
		bucket = rate.NewLimiter(t.limit, t.burst)
		t.buckets[connID] = bucket
	}
	t.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the bucket of a closed connection.
func (t *TypingThrottle) Forget(connID string) {
	t.mu.Lock()
	delete(t.buckets, connID)
	t.mu.Unlock()
}

// Len returns the number of tracked connections.
func (t *TypingThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
