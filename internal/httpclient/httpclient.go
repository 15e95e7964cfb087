// Package httpclient builds the outbound HTTP clients used to reach the
// identity and billing providers. Host lookups go through a shared DNS cache.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultDNSCacheTTL = 5 * time.Minute
)

// Resolver caches host lookups and refreshes the cache on the dial path once
// the TTL has elapsed. It runs no background goroutine.
type Resolver struct {
	cache *dnscache.Resolver
	ttl   time.Duration

	mu          sync.Mutex
	lastRefresh time.Time
	now         func() time.Time
}

// NewResolver creates a resolver whose entries are refreshed every ttl.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}
	return &Resolver{
		cache: &dnscache.Resolver{},
		ttl:   ttl,
		now:   time.Now,
	}
}

func (r *Resolver) maybeRefresh() {
	r.mu.Lock()
	now := r.now()
	if r.lastRefresh.IsZero() {
		r.lastRefresh = now
		r.mu.Unlock()
		return
	}
	due := now.Sub(r.lastRefresh) >= r.ttl
	if due {
		r.lastRefresh = now
	}
	r.mu.Unlock()

	if due {
		// Drops entries unused since the previous refresh.
		r.cache.Refresh(true)
		log.Debug().Dur("ttl", r.ttl).Msg("DNS cache refreshed")
	}
}

// DialContext resolves the host through the cache and dials each address in
// turn until one connects.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	r.maybeRefresh()

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := r.cache.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Options configures New.
type Options struct {
	Timeout  time.Duration
	Resolver *Resolver
}

// New returns an http.Client whose transport dials through the DNS cache.
func New(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Resolver == nil {
		opts.Resolver = NewResolver(defaultDNSCacheTTL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = opts.Resolver.DialContext
	transport.MaxIdleConnsPerHost = 10

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
}
