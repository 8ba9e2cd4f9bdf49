package auth

import (
	"github.com/go-chi/chi/v5"

	"github.com/procuredesk/guard/internal/middleware"
	"github.com/procuredesk/guard/internal/ratelimit"
)

// RegisterRoutes mounts the session endpoints under /auth and the intake
// upload under /documents.
//
// Public:    POST /auth/login (auth profile), POST /auth/logout
// Protected: GET /auth/me, GET /auth/csrf-token, POST /auth/logout-all,
// POST /auth/password, POST /documents/upload
func RegisterRoutes(r chi.Router, p *middleware.Pipeline, h *AuthHandler, docs *DocumentHandler) {
	r.Route("/auth", func(r chi.Router) {
		r.With(p.RateLimit(ratelimit.ProfileAuth), middleware.ValidateInput[LoginRequest](p)).
			Post("/login", h.Login)
		r.With(p.OptionalAuthentication).Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(p.RateLimit(ratelimit.ProfileAPI), p.Authenticate)
			r.Get("/me", h.GetMe)
			r.Get("/csrf-token", h.CSRFToken)
		})

		r.With(p.Protected(ratelimit.ProfileSensitive)).Post("/logout-all", h.LogoutAll)
		r.With(p.Protected(ratelimit.ProfileSensitive), middleware.ValidateInput[ChangePasswordRequest](p)).
			Post("/password", h.ChangePassword)
	})

	if docs != nil {
		r.With(p.Protected(ratelimit.ProfileUpload)).Post("/documents/upload", docs.Upload)
	}
}
