package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClaimLimiter limits claim requests per user.
type ClaimLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int

	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

// NewClaimLimiter allows perMinute claims per user with the given burst.
func NewClaimLimiter(perMinute float64, burst int) *ClaimLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &ClaimLimiter{
		limiters:      make(map[string]*rate.Limiter),
		limit:         rate.Limit(perMinute / 60), // Convert to per-second rate
		burst:         burst,
		cleanupTicker: time.NewTicker(10 * time.Minute),
		done:          make(chan struct{}),
	}

	go l.cleanup()

	return l
}

// cleanup periodically drops limiters so the map does not grow forever.
func (l *ClaimLimiter) cleanup() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.mu.Lock()
			l.limiters = make(map[string]*rate.Limiter)
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *ClaimLimiter) Stop() {
	l.stopOnce.Do(func() {
		l.cleanupTicker.Stop()
		close(l.done)
	})
}

// Allow reports whether key may claim now.
func (l *ClaimLimiter) Allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Middleware limits by the authenticated user.
func (l *ClaimLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if ok && !l.Allow(string(p.UserID)) {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded",
				fmt.Errorf("too many claim attempts, please try again later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
