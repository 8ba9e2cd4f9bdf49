// Package ratelimit implements fixed-window request counters keyed by client
// identity and route class.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/procuredesk/guard/internal/config"
	appctx "github.com/procuredesk/guard/internal/context"
)

// Profile names
const (
	ProfileAuth      = "auth"
	ProfileMutation  = "mutation"
	ProfileUpload    = "upload"
	ProfileSensitive = "sensitive"
	ProfileAPI       = "api"
)

// Profile is one independently keyed limit
type Profile struct {
	Name        string
	MaxRequests int
	Window      time.Duration
	// PerPath keys the counter on client and request path
	PerPath bool
}

// Profiles maps profile names to limits
type Profiles map[string]Profile

// ProfilesFromConfig builds the named profiles from configuration
func ProfilesFromConfig(cfg config.RateLimitConfig) Profiles {
	mk := func(name string, p config.RateLimitProfile) Profile {
		return Profile{Name: name, MaxRequests: p.MaxRequests, Window: p.Window, PerPath: p.PerPath}
	}
	return Profiles{
		ProfileAuth:      mk(ProfileAuth, cfg.Auth),
		ProfileMutation:  mk(ProfileMutation, cfg.Mutation),
		ProfileUpload:    mk(ProfileUpload, cfg.Upload),
		ProfileSensitive: mk(ProfileSensitive, cfg.Sensitive),
		ProfileAPI:       mk(ProfileAPI, cfg.API),
	}
}

// DefaultProfiles returns the built-in profile table
func DefaultProfiles() Profiles {
	return ProfilesFromConfig(config.DefaultRateLimits())
}

// Result is the outcome of counting one request
type Result struct {
	Limited   bool
	Limit     int
	Remaining int
	Count     int
	ResetIn   time.Duration
}

// Store counts requests per key within a fixed window
type Store interface {
	// Incr counts one request and returns the count in the current window and
	// when that window ends. A key whose window has ended starts over.
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)
	// Purge drops windows that ended before now
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Limiter applies profiles over a store
type Limiter struct {
	store Store
	now   func() time.Time
}

// NewLimiter creates a limiter. now may be nil.
func NewLimiter(store Store, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, now: now}
}

// IsRateLimited counts one request for key. The first request of a window is
// never limited; once the count exceeds MaxRequests the key stays limited
// with zero remaining until the window ends.
func (l *Limiter) IsRateLimited(ctx context.Context, key string, p Profile) (Result, error) {
	now := l.now()
	count, resetAt, err := l.store.Incr(ctx, key, p.Window, now)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit store: %w", err)
	}
	remaining := p.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	resetIn := resetAt.Sub(now)
	if resetIn < 0 {
		resetIn = 0
	}
	return Result{
		Limited:   count > p.MaxRequests,
		Limit:     p.MaxRequests,
		Remaining: remaining,
		Count:     count,
		ResetIn:   resetIn,
	}, nil
}

// Purge drops ended windows from the store
func (l *Limiter) Purge(ctx context.Context) (int, error) {
	return l.store.Purge(ctx, l.now())
}

// Key builds the counter key for a request under profile p
func Key(p Profile, clientID string, r *http.Request) string {
	key := "rl:" + p.Name + ":" + clientID
	if p.PerPath {
		key += ":" + r.URL.Path
	}
	return key
}

// GetClientID derives the client key from X-Forwarded-For (first entry),
// then X-Real-IP, then the socket address.
func GetClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}

// PeerAddr returns the host of the socket address, ignoring forwarding
// headers. Stages that run without a ClientResolver use it.
func PeerAddr(r *http.Request) string {
	return remoteHost(r.RemoteAddr)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ClientResolver honours forwarding headers only from trusted proxies. With
// no trusted proxies configured it behaves like GetClientID.
type ClientResolver struct {
	trusted []netip.Prefix
}

// NewClientResolver parses trusted proxy addresses or CIDR ranges
func NewClientResolver(trusted []string) (*ClientResolver, error) {
	res := &ClientResolver{}
	for _, t := range trusted {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.Contains(t, "/") {
			addr, err := netip.ParseAddr(t)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", t, err)
			}
			res.trusted = append(res.trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(t)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", t, err)
		}
		res.trusted = append(res.trusted, prefix)
	}
	return res, nil
}

// ClientID resolves the client key of r
func (c *ClientResolver) ClientID(r *http.Request) string {
	if c == nil || len(c.trusted) == 0 {
		return GetClientID(r)
	}
	peer := remoteHost(r.RemoteAddr)
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return peer
	}
	for _, p := range c.trusted {
		if p.Contains(addr.Unmap()) {
			return GetClientID(r)
		}
	}
	return peer
}

// Middleware stores the resolved client address on the request context so
// authentication and audit stages see the same address as the limiter.
func (c *ClientResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := appctx.WithIPAddress(r.Context(), c.ClientID(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
