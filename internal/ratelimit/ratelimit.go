package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rasfw/rasfw/internal/metrics"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	enabled    bool
}

// NewTokenBucket creates a new token bucket rate limiter
// capacity: maximum number of tokens
// refillRate: tokens added per second
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
		enabled:    capacity > 0 && refillRate > 0,
	}
}

// Allow checks if an operation is allowed under the rate limit
func (tb *TokenBucket) Allow() bool {
	if !tb.enabled {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}

	return false
}

// refill adds tokens based on elapsed time
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	tb.lastRefill = now
}

// full reports whether the bucket has refilled completely at now
func (tb *TokenBucket) full(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	return tb.tokens >= tb.capacity
}

// Limiter keeps one token bucket per client
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   float64
	refillRate float64
}

// NewLimiter creates a limiter giving every client capacity tokens refilled
// at refillRate per second. A zero capacity or rate disables limiting.
func NewLimiter(capacity, refillRate float64) *Limiter {
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Enabled reports whether the limiter rejects anything at all
func (l *Limiter) Enabled() bool {
	return l.capacity > 0 && l.refillRate > 0
}

// Allow checks if a request from client is allowed
func (l *Limiter) Allow(client string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	bucket, exists := l.buckets[client]
	if !exists {
		bucket = NewTokenBucket(l.capacity, l.refillRate)
		l.buckets[client] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow()
}

// Sweep drops buckets that have refilled completely; they carry no state
// a fresh bucket would not
func (l *Limiter) Sweep() int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for client, bucket := range l.buckets {
		if bucket.full(now) {
			delete(l.buckets, client)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects requests over the limit with 429, keyed by remote host
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if !l.Allow(client) {
			metrics.RateLimitRejections.Inc()
			log.Debug().Str("client", client).Str("path", r.URL.Path).Msg("request rate limited")
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
