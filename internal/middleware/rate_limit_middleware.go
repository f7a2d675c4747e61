package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dailyvault/pkg/response"

	"golang.org/x/time/rate"
)

// idleTTL is how long a client's bucket is kept after its last request.
const idleTTL = 10 * time.Minute

// RateLimiter holds one token bucket per client key.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60),
		burst:   burst,
		ttl:     idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from key's bucket. Idle buckets are swept on the way.
func (l *RateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	for k, v := range l.buckets {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.buckets, k)
		}
	}
	return b.lim.Allow()
}

// RateLimitMiddleware rejects clients that exceed their budget with 429.
// A nil limiter disables limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(ClientIP(r)) {
				w.Header().Set("Retry-After", "60")
				response.Error(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP prefers the first X-Forwarded-For hop and falls back to the
// connection address.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
