// Package ratelimit provides an in-memory token-bucket rate limiter and the
// middleware that applies it per client to proxied routes.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limiter is a single token-bucket rate limiter.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64 // current token count
	lastRefill time.Time
	now        func() time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond (no extra burst).
func New(ratePerSecond, burst float64) *Limiter {
	return newLimiter(ratePerSecond, burst, time.Now)
}

func newLimiter(rate, burst float64, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = rate
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

func (l *Limiter) refill() {
	t := l.now()
	l.tokens += t.Sub(l.lastRefill).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = t
}

// Allow consumes one token and returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// full reports whether the bucket has refilled completely, at which point it
// is indistinguishable from a fresh one.
func (l *Limiter) full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	return l.tokens >= l.burst
}

// pruneThreshold is the number of keys at which a Store drops idle limiters.
const pruneThreshold = 4096

// Store maintains per-key Limiter instances.
type Store struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    float64
	now      func() time.Time
}

// NewStore creates a Store whose per-key limiters share the same rate/burst.
func NewStore(ratePerSecond, burst float64) *Store {
	return &Store{
		limiters: make(map[string]*Limiter),
		rate:     ratePerSecond,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow checks (and creates if needed) the limiter for key.
func (s *Store) Allow(key string) bool {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return l.Allow()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.limiters[key]; ok {
		return l.Allow()
	}
	if len(s.limiters) >= pruneThreshold {
		s.pruneLocked()
	}
	l = newLimiter(s.rate, s.burst, s.now)
	s.limiters[key] = l
	return l.Allow()
}

// pruneLocked forgets limiters whose bucket is full again.
func (s *Store) pruneLocked() {
	for k, l := range s.limiters {
		if l.full() {
			delete(s.limiters, k)
		}
	}
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// ClientIP keys requests by the client address. It expects RemoteAddr to
// have been rewritten by a real-IP middleware when behind a proxy.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware rejects requests over the limit with 429 Too Many Requests.
// onReject, if set, is called for every rejected request.
func Middleware(s *Store, key func(*http.Request) string, onReject func(*http.Request)) func(http.Handler) http.Handler {
	retryAfter := "1"
	if s.rate > 0 && s.rate < 1 {
		retryAfter = strconv.Itoa(int(1/s.rate + 0.5))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Allow(key(r)) {
				next.ServeHTTP(w, r)
				return
			}
			if onReject != nil {
				onReject(r)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"message": "rate limit exceeded",
					"type":    "rate_limited",
				},
			})
		})
	}
}
