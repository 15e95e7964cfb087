package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tallyworks/gatekeeper/internal/metrics"
)

// KeyFunc derives the rate limit key for a request. An empty key falls back to
// the client IP.
type KeyFunc func(r *http.Request) string

// ByClientIP keys requests by client address as resolved through proxies.
func ByClientIP(proxies *TrustedProxies) KeyFunc {
	return proxies.ClientIP
}

// Limiter applies one endpoint class limit to HTTP handlers.
type Limiter struct {
	store Store
	class string
	cfg   Config
	key   KeyFunc
	now   func() time.Time

	proxies *TrustedProxies
}

// NewLimiter creates a limiter for class. A nil key func keys by client IP.
func NewLimiter(store Store, class string, cfg Config, key KeyFunc) *Limiter {
	return &Limiter{
		store: store,
		class: class,
		cfg:   cfg.normalized(),
		key:   key,
		now:   time.Now,
	}
}

// WithTrustedProxies sets the proxies whose X-Forwarded-For is honoured when
// the limiter falls back to the client IP.
func (l *Limiter) WithTrustedProxies(p *TrustedProxies) *Limiter {
	l.proxies = p
	return l
}

// Allow checks the window for r and writes the rate limit headers. It returns
// false after writing a 429 response.
func (l *Limiter) Allow(w http.ResponseWriter, r *http.Request) bool {
	var key string
	if l.key != nil {
		key = l.key(r)
	}
	if key == "" {
		key = l.proxies.ClientIP(r)
	}

	res := l.store.Check(r.Context(), l.class+":"+key, l.cfg)

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

	if res.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(l.class, "allowed").Inc()
		return true
	}

	metrics.RateLimitDecisions.WithLabelValues(l.class, "rejected").Inc()
	retryAfter := retryAfterSeconds(res.ResetAt, l.now())
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}{
		Error:      "Too many requests. Please try again in " + strconv.Itoa(retryAfter) + " seconds.",
		RetryAfter: retryAfter,
	})
	return false
}

// Middleware wraps an http.Handler with rate limiting.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
