package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/procuredesk/guard/internal/audit"
	appctx "github.com/procuredesk/guard/internal/context"
)

// AuditLogging records successful state-changing requests as user actions
func (p *Pipeline) AuditLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.audit == nil || !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() >= http.StatusBadRequest {
			return
		}

		ctx := r.Context()
		act := audit.Action{
			Action:     r.Method + " " + routePattern(r),
			EntityType: entityType(r.URL.Path),
			EntityID:   chi.URLParam(r, "id"),
			IPAddress:  appctx.ExtractIPAddress(ctx),
			UserAgent:  r.UserAgent(),
		}
		if id, ok := appctx.ExtractUserID(ctx); ok {
			act.UserID = &id
		}
		p.audit.LogUserAction(ctx, act)
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// entityType is the first path segment after /api, e.g. "suppliers" for
// /api/suppliers/12.
func entityType(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) > 0 && segs[0] == "api" {
		segs = segs[1:]
	}
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}
