package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tallyworks/gatekeeper/internal/metrics"
)

func TestLimiterMiddleware_TooManyRequests(t *testing.T) {
	store, clock := newTestMemoryStore(t)
	l := NewLimiter(store, ClassCheckout, Config{Limit: 1, Window: time.Minute}, nil)
	l.now = clock.Now

	calls := 0
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/create-checkout-session", nil)
	req1.RemoteAddr = "198.51.100.5:1234"
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want %d", rec1.Code, http.StatusNoContent)
	}
	if got := rec1.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if got := rec1.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Fatalf("X-RateLimit-Limit = %q, want 1", got)
	}

	clock.Advance(20 * time.Second)
	req2 := httptest.NewRequest(http.MethodPost, "/create-checkout-session", nil)
	req2.RemoteAddr = "198.51.100.5:4321"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", rec2.Code, http.StatusTooManyRequests)
	}
	if calls != 1 {
		t.Fatalf("next handler calls after reject = %d, want 1", calls)
	}
	if got := rec2.Header().Get("Retry-After"); got != "40" {
		t.Fatalf("Retry-After = %q, want 40", got)
	}
	wantReset := strconv.FormatInt(clock.Now().Add(40*time.Second).Unix(), 10)
	if got := rec2.Header().Get("X-RateLimit-Reset"); got != wantReset {
		t.Fatalf("X-RateLimit-Reset = %q, want %q", got, wantReset)
	}

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.NewDecoder(rec2.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error == "" || body.RetryAfter != 40 {
		t.Fatalf("body = %+v", body)
	}
}

func TestLimiterMiddleware_CustomKeyIsolatesCallers(t *testing.T) {
	store, _ := newTestMemoryStore(t)
	l := NewLimiter(store, ClassAccount, Config{Limit: 1, Window: time.Minute}, func(r *http.Request) string {
		return r.Header.Get("X-Test-User")
	})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, user := range []string{"alice", "bob"} {
		req := httptest.NewRequest(http.MethodPost, "/cancel-subscription", nil)
		req.Header.Set("X-Test-User", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("user %s status = %d, want 200", user, rec.Code)
		}
	}
}

func TestLimiterMiddleware_RecordsDecisions(t *testing.T) {
	store, _ := newTestMemoryStore(t)
	l := NewLimiter(store, ClassPortal, Config{Limit: 2, Window: time.Minute}, nil)

	allowed := metrics.RateLimitDecisions.WithLabelValues(ClassPortal, "allowed")
	rejected := metrics.RateLimitDecisions.WithLabelValues(ClassPortal, "rejected")
	allowedBefore := testutil.ToFloat64(allowed)
	rejectedBefore := testutil.ToFloat64(rejected)

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/create-portal-session", nil)
		req.RemoteAddr = "192.0.2.44:80"
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(allowed) - allowedBefore; got != 2 {
		t.Fatalf("allowed decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rejected) - rejectedBefore; got != 1 {
		t.Fatalf("rejected decisions = %v, want 1", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Unix(1000, 0)
	if got := retryAfterSeconds(now.Add(1500*time.Millisecond), now); got != 2 {
		t.Fatalf("retry after = %d, want 2", got)
	}
	if got := retryAfterSeconds(now.Add(-time.Second), now); got != 1 {
		t.Fatalf("retry after past reset = %d, want 1", got)
	}
}

func TestForClass(t *testing.T) {
	if got := ForClass(ClassCheckout); got.Limit != 10 {
		t.Fatalf("checkout limit = %d, want 10", got.Limit)
	}
	if got := ForClass("unknown"); got.Limit != defaultLimit || got.Window != defaultWindow {
		t.Fatalf("unknown class = %+v, want defaults", got)
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies("10.0.0.0/8, 192.0.2.10")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}

	tests := []struct {
		name       string
		proxies    *TrustedProxies
		remoteAddr string
		xff        string
		want       string
	}{
		{"remote addr", nil, "198.51.100.7:5555", "", "198.51.100.7"},
		{"remote addr without port", nil, "198.51.100.8", "", "198.51.100.8"},
		{"forwarded header from untrusted peer is ignored", nil, "203.0.113.9:4000", "10.0.0.1", "203.0.113.9"},
		{"forwarded header ignored when peer outside trusted set", proxies, "203.0.113.9:4000", "198.51.100.1", "203.0.113.9"},
		{"trusted peer reports client", proxies, "10.1.2.3:80", "198.51.100.20", "198.51.100.20"},
		{"client supplied hops left of the proxy are ignored", proxies, "10.1.2.3:80", "1.2.3.4, 198.51.100.20", "198.51.100.20"},
		{"chain of trusted proxies", proxies, "10.1.2.3:80", "198.51.100.20, 192.0.2.10, 10.9.9.9", "198.51.100.20"},
		{"trusted peer without header", proxies, "10.1.2.3:80", "", "10.1.2.3"},
		{"garbage hop stops the walk", proxies, "10.1.2.3:80", "198.51.100.20, not-an-ip", "10.1.2.3"},
		{"ipv4-mapped peer", proxies, "[::ffff:10.1.2.3]:80", "198.51.100.21", "198.51.100.21"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := tt.proxies.ClientIP(req); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLimiterMiddleware_RotatingForwardedForSharesBudget(t *testing.T) {
	store, _ := newTestMemoryStore(t)
	l := NewLimiter(store, ClassCheckout, Config{Limit: 2, Window: time.Minute}, nil)

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	allowed := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/create-checkout-session", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed = %d, want 2", allowed)
	}
}

func TestLimiterMiddleware_TrustedProxyKeysByForwardedClient(t *testing.T) {
	store, _ := newTestMemoryStore(t)
	proxies, err := ParseTrustedProxies("10.0.0.0/8")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	l := NewLimiter(store, ClassCheckout, Config{Limit: 1, Window: time.Minute}, ByClientIP(proxies)).
		WithTrustedProxies(proxies)

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serve := func(client string) int {
		req := httptest.NewRequest(http.MethodPost, "/create-checkout-session", nil)
		req.RemoteAddr = "10.0.0.5:443"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := serve("198.51.100.1"); got != http.StatusOK {
		t.Fatalf("first client status = %d, want 200", got)
	}
	if got := serve("198.51.100.2"); got != http.StatusOK {
		t.Fatalf("second client status = %d, want 200", got)
	}
	if got := serve("198.51.100.1"); got != http.StatusTooManyRequests {
		t.Fatalf("repeat client status = %d, want 429", got)
	}
}

func TestParseTrustedProxies(t *testing.T) {
	p, err := ParseTrustedProxies(" 10.0.0.0/8 ,, 2001:db8::/32, 192.0.2.1 ")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	if p.Len() != 3 {
		t.Fatalf("Len = %d, want 3", p.Len())
	}
	for ip, want := range map[string]bool{
		"10.200.0.1":  true,
		"2001:db8::5": true,
		"192.0.2.1":   true,
		"192.0.2.2":   false,
		"":            false,
		"nope":        false,
	} {
		if got := p.Trusted(ip); got != want {
			t.Errorf("Trusted(%q) = %v, want %v", ip, got, want)
		}
	}

	for _, bad := range []string{"10.0.0.0/33", "not-a-cidr", "300.1.1.1"} {
		if _, err := ParseTrustedProxies(bad); err == nil {
			t.Errorf("ParseTrustedProxies(%q) succeeded, want error", bad)
		}
	}

	empty, err := ParseTrustedProxies("")
	if err != nil || empty.Len() != 0 {
		t.Fatalf("empty list = %v, %v", empty.Len(), err)
	}
}
