package csrf

import (
	"log/slog"
	"net/http"

	"github.com/procuredesk/guard/internal/audit"
	"github.com/procuredesk/guard/internal/metrics"
	"github.com/procuredesk/guard/internal/response"
)

// DefaultExemptPaths are reached before a session exists
var DefaultExemptPaths = []string{"/api/auth/login", "/api/auth/logout"}

// Middleware rejects state-changing requests without a valid token
type Middleware struct {
	protector *Protector
	exempt    map[string]struct{}
	sink      audit.Sink
	logger    *slog.Logger
}

// NewMiddleware creates CSRF middleware. sink may be nil; exempt nil uses
// DefaultExemptPaths.
func NewMiddleware(p *Protector, sink audit.Sink, logger *slog.Logger, exempt []string) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	if exempt == nil {
		exempt = DefaultExemptPaths
	}
	m := &Middleware{protector: p, exempt: make(map[string]struct{}, len(exempt)), sink: sink, logger: logger}
	for _, path := range exempt {
		m.exempt[path] = struct{}{}
	}
	return m
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Handler enforces tokens on unsafe methods. It must run after authentication
// so the session binding is on the request context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := m.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		binding := Binding(r.Context())
		token := Extract(r)
		if m.protector.Validate(token, binding) {
			next.ServeHTTP(w, r)
			return
		}

		reason := "invalid token"
		switch {
		case token == "":
			reason = "missing token"
		case binding == "":
			reason = "no session"
		}
		metrics.CSRFFailuresTotal.Inc()
		m.logger.WarnContext(r.Context(), "csrf validation failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("reason", reason),
		)
		if m.sink != nil {
			m.sink.LogSecurityEvent(r.Context(), audit.Event{
				Type:        audit.EventCSRFViolation,
				Severity:    audit.SeverityHigh,
				Description: "CSRF token validation failed",
				Details:     map[string]any{"reason": reason, "method": r.Method},
			}.WithRequest(r))
		}
		response.Error(w, http.StatusForbidden, response.CodeCSRFInvalid, "Invalid or missing CSRF token", nil)
	})
}
