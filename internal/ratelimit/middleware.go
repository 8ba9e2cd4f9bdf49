package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/procuredesk/guard/internal/audit"
	appctx "github.com/procuredesk/guard/internal/context"
	"github.com/procuredesk/guard/internal/metrics"
	"github.com/procuredesk/guard/internal/response"
)

// Middleware enforces named profiles on HTTP routes
type Middleware struct {
	limiter  *Limiter
	profiles Profiles
	resolver *ClientResolver
	sink     audit.Sink
	logger   *slog.Logger
}

// NewMiddleware creates the rate limiting middleware. resolver and sink may be nil.
func NewMiddleware(limiter *Limiter, profiles Profiles, resolver *ClientResolver, sink audit.Sink, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{limiter: limiter, profiles: profiles, resolver: resolver, sink: sink, logger: logger}
}

// Limit returns middleware enforcing the named profile. The resolved client
// address is stored on the request context for later stages. A store failure
// lets the request through.
func (m *Middleware) Limit(name string) func(http.Handler) http.Handler {
	p, ok := m.profiles[name]
	if !ok {
		panic("ratelimit: unknown profile " + name)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := m.resolver.ClientID(r)
			ctx := appctx.WithIPAddress(r.Context(), clientID)
			r = r.WithContext(ctx)

			res, err := m.limiter.IsRateLimited(ctx, Key(p, clientID, r), p)
			if err != nil {
				m.logger.ErrorContext(ctx, "rate limit check failed",
					slog.String("profile", p.Name),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			resetSecs := int64(math.Ceil(res.ResetIn.Seconds()))
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetIn).Unix(), 10))

			if !res.Limited {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RateLimitedTotal.WithLabelValues(p.Name).Inc()
			if m.sink != nil && res.Count == p.MaxRequests+1 {
				m.sink.LogSecurityEvent(ctx, audit.Event{
					Type:        audit.EventRateLimited,
					Severity:    audit.SeverityMedium,
					Description: "Rate limit exceeded for profile " + p.Name,
					Details:     map[string]any{"profile": p.Name, "limit": p.MaxRequests},
				}.WithRequest(r))
			}
			h.Set("Retry-After", strconv.FormatInt(resetSecs, 10))
			response.Error(w, http.StatusTooManyRequests, response.CodeRateLimited,
				"Too many requests. Please try again later.",
				map[string]any{"retryAfter": resetSecs, "profile": p.Name})
		})
	}
}
