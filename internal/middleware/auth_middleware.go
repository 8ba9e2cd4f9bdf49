package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/procuredesk/guard/internal/audit"
	appctx "github.com/procuredesk/guard/internal/context"
	"github.com/procuredesk/guard/internal/csrf"
	"github.com/procuredesk/guard/internal/ratelimit"
	"github.com/procuredesk/guard/internal/repository"
	"github.com/procuredesk/guard/internal/response"
	"github.com/procuredesk/guard/internal/sanitizer"
	"github.com/procuredesk/guard/internal/session"
)

type ctxKey int

const (
	sessionInfoKey ctxKey = iota
	inputKey
)

// Authenticator resolves the user behind a request. *session.SDK implements it.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (*repository.User, *session.Info, error)
}

// ActionLogger records state-changing user actions. *audit.Logger implements it.
type ActionLogger interface {
	audit.Sink
	LogUserAction(ctx context.Context, action audit.Action)
}

// Deps are the pipeline collaborators. Audit may be nil.
type Deps struct {
	Auth        Authenticator
	Permissions repository.PermissionRepository
	RateLimit   *ratelimit.Middleware
	CSRF        *csrf.Middleware
	Validator   *sanitizer.Validator
	Audit       ActionLogger
	Logger      *slog.Logger
}

// Pipeline composes the request-defense stages. Stages run in the order
// rate limit, authentication, CSRF, permission, audit.
type Pipeline struct {
	auth      Authenticator
	perms     repository.PermissionRepository
	limiter   *ratelimit.Middleware
	csrf      *csrf.Middleware
	validator *sanitizer.Validator
	audit     ActionLogger
	logger    *slog.Logger
}

// NewPipeline creates the composition root
func NewPipeline(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{
		auth:      deps.Auth,
		perms:     deps.Permissions,
		limiter:   deps.RateLimit,
		csrf:      deps.CSRF,
		validator: deps.Validator,
		audit:     deps.Audit,
		logger:    deps.Logger,
	}
}

// SessionInfo returns the verified session stored by Authenticate
func SessionInfo(ctx context.Context) (*session.Info, bool) {
	info, ok := ctx.Value(sessionInfoKey).(*session.Info)
	return info, ok && info != nil
}

// Authenticate requires a valid session. It populates user, user id, session
// id and client address on the request context and answers 401 otherwise.
func (p *Pipeline) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok := p.authenticate(w, r, true)
		if !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OptionalAuthentication populates the identity when a valid session is
// present and never fails the request.
func (p *Pipeline) OptionalAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _ = p.authenticate(w, r, false)
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) authenticate(w http.ResponseWriter, r *http.Request, required bool) (*http.Request, bool) {
	ctx := r.Context()
	user, info, err := p.auth.AuthenticateRequest(r)
	if err != nil {
		var forbidden *session.ForbiddenError
		if !errors.As(err, &forbidden) {
			p.logger.ErrorContext(ctx, "authentication failed", slog.String("error", err.Error()))
			if required {
				response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "Internal server error", nil)
			}
			return r, false
		}
		if required {
			if forbidden.Reason != session.ReasonMissing {
				p.emit(r, audit.Event{
					Type:        audit.EventSessionRejected,
					Severity:    audit.SeverityLow,
					Description: "Request presented an invalid or expired session",
				})
			}
			response.Error(w, http.StatusUnauthorized, response.CodeAuthRequired, "Authentication required", nil)
		}
		return r, false
	}

	ip := appctx.ExtractIPAddress(ctx)
	if ip == "" {
		ip = ratelimit.PeerAddr(r)
	}
	ctx = appctx.WithIdentity(ctx, user, info.SessionID, ip)
	ctx = context.WithValue(ctx, sessionInfoKey, info)
	return r.WithContext(ctx), true
}

// RequirePermission allows the request when the user is an admin or holds a
// grant for action on module. Denials are audited and answered with 403.
func (p *Pipeline) RequirePermission(module string, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			user, ok := appctx.ExtractUser(ctx)
			if !ok {
				response.Error(w, http.StatusUnauthorized, response.CodeAuthRequired, "Authentication required", nil)
				return
			}
			if user.IsAdmin() {
				next.ServeHTTP(w, r)
				return
			}
			perms, err := p.perms.GetUserPermissions(ctx, user.ID)
			if err != nil {
				p.logger.ErrorContext(ctx, "failed to load permissions",
					slog.Int64("user_id", user.ID),
					slog.String("error", err.Error()),
				)
				response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "Internal server error", nil)
				return
			}
			if !Allows(perms, module, action) {
				p.deny(w, r, map[string]any{"module": module, "action": action.String()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin allows only users with the admin role
func (p *Pipeline) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := appctx.ExtractUser(r.Context())
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeAuthRequired, "Authentication required", nil)
			return
		}
		if !user.IsAdmin() {
			p.deny(w, r, map[string]any{"required": repository.RoleAdmin, "role": user.Role})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) deny(w http.ResponseWriter, r *http.Request, details map[string]any) {
	p.emit(r, audit.Event{
		Type:        audit.EventPermissionDenied,
		Severity:    audit.SeverityMedium,
		Description: "Access denied",
		Details:     details,
	})
	response.Error(w, http.StatusForbidden, response.CodeForbidden, "You do not have permission to perform this action", nil)
}

// CSRF enforces anti-forgery tokens on unsafe methods
func (p *Pipeline) CSRF(next http.Handler) http.Handler {
	return p.csrf.Handler(next)
}

// RateLimit enforces the named profile
func (p *Pipeline) RateLimit(profile string) func(http.Handler) http.Handler {
	return p.limiter.Limit(profile)
}

// Protected composes rate limit, authentication, CSRF, the given guards
// (typically RequirePermission) and audit logging, in that order.
func (p *Pipeline) Protected(profile string, guards ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	stages := []func(http.Handler) http.Handler{p.RateLimit(profile), p.Authenticate, p.CSRF}
	stages = append(stages, guards...)
	stages = append(stages, p.AuditLogging)
	return func(next http.Handler) http.Handler {
		h := next
		for i := len(stages) - 1; i >= 0; i-- {
			h = stages[i](h)
		}
		return h
	}
}

func (p *Pipeline) emit(r *http.Request, ev audit.Event) {
	if p.audit != nil {
		p.audit.LogSecurityEvent(r.Context(), ev.WithRequest(r))
	}
}
