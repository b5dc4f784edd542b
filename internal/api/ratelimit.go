package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// bucket is a per-user token bucket family for one request class.
type bucket struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newBucket(perSecond float64) *bucket {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &bucket{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (b *bucket) allow(userID string) bool {
	b.mu.Lock()
	l, ok := b.limiters[userID]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.limiters[userID] = l
	}
	b.mu.Unlock()
	return l.Allow()
}

// RateLimiter holds the three per-user request buckets: general reads,
// trade submissions, and match creation.
type RateLimiter struct {
	general *bucket
	trade   *bucket
	create  *bucket
}

// NewRateLimiter creates the buckets from per-second rates.
func NewRateLimiter(general, trade, create float64) *RateLimiter {
	return &RateLimiter{
		general: newBucket(general),
		trade:   newBucket(trade),
		create:  newBucket(create),
	}
}

func (rl *RateLimiter) middleware(b *bucket) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userIDFrom(r.Context())
			if userID != "" && !b.allow(userID) {
				writeError(w, r, &HTTPError{
					Status:  http.StatusTooManyRequests,
					Label:   "RateLimited",
					Message: "too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// General limits read and lifecycle endpoints.
func (rl *RateLimiter) General(next http.Handler) http.Handler {
	return rl.middleware(rl.general)(next)
}

// Trade limits trade submission.
func (rl *RateLimiter) Trade(next http.Handler) http.Handler {
	return rl.middleware(rl.trade)(next)
}

// Create limits match creation.
func (rl *RateLimiter) Create(next http.Handler) http.Handler {
	return rl.middleware(rl.create)(next)
}
