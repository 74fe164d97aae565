package gateway

import (
	"sync"
	"time"
)

const (
	DefaultRequestsPerMinute = 120
	DefaultMaxConcurrent     = 8
)

// RateLimiter applies a sliding one-minute window and a concurrency cap per client
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewRateLimiter creates a rate limiter with the given limits
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits one request. The returned release func must be called when
// the request finishes; on refusal it is nil and the error says why.
func (r *RateLimiter) Acquire() (func(), *RPCError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return nil, &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}

	now := r.now()
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return nil, &RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"}
	}

	r.requests = append(r.requests, now)
	r.inFlight++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
		})
	}, nil
}

// Stats returns requests in the current window and requests in flight
func (r *RateLimiter) Stats() (requests, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.requests), r.inFlight
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.requests = keep
}
