// Package auth serves the session endpoints (login, logout, identity, CSRF
// token, password change) and the document intake upload.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/procuredesk/guard/internal/audit"
	appctx "github.com/procuredesk/guard/internal/context"
	"github.com/procuredesk/guard/internal/csrf"
	"github.com/procuredesk/guard/internal/middleware"
	"github.com/procuredesk/guard/internal/password"
	"github.com/procuredesk/guard/internal/ratelimit"
	"github.com/procuredesk/guard/internal/repository"
	"github.com/procuredesk/guard/internal/response"
	"github.com/procuredesk/guard/internal/session"
)

// LoginRequest is the body of POST /api/auth/login. An empty openId logs in
// the configured owner account.
type LoginRequest struct {
	OpenID   string `json:"openId" validate:"omitempty,max=255"`
	Password string `json:"password" validate:"required,max=128"`
}

// ChangePasswordRequest is the body of POST /api/auth/password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"max=128"`
	NewPassword     string `json:"newPassword" validate:"required,max=128"`
}

// SessionResponse is returned when a session is opened
type SessionResponse struct {
	User      *repository.User `json:"user"`
	CSRFToken string           `json:"csrfToken"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	sdk    *session.SDK
	csrf   *csrf.Protector
	logger *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(sdk *session.SDK, protector *csrf.Protector, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{sdk: sdk, csrf: protector, logger: logger}
}

// Login verifies a password and sets the session cookie
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := middleware.Input[LoginRequest](ctx)
	if !ok {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "Invalid request body", nil)
		return
	}

	res, err := h.sdk.Login(ctx, session.LoginInput{
		OpenID:    req.OpenID,
		Password:  req.Password,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeCredentialError(w, r, err, "Invalid credentials")
		return
	}
	h.openSession(w, r, res)
}

// Logout revokes the current session, if any, and clears the cookie
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if sid, ok := appctx.ExtractSessionID(ctx); ok {
		if err := h.sdk.Logout(ctx, sid); err != nil {
			h.internalError(w, r, "logout failed", err)
			return
		}
	}
	h.sdk.ClearSessionCookie(w)
	response.Success(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

// LogoutAll revokes every session of the current user
// POST /api/auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := appctx.ExtractUserID(ctx)
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeAuthRequired, "Authentication required", nil)
		return
	}
	n, err := h.sdk.LogoutAllDevices(ctx, userID)
	if err != nil {
		h.internalError(w, r, "logout all failed", err)
		return
	}
	h.sdk.ClearSessionCookie(w)
	response.Success(w, http.StatusOK, map[string]any{"revoked": n})
}

// GetMe returns the authenticated user and session
// GET /api/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := appctx.ExtractUser(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeAuthRequired, "Authentication required", nil)
		return
	}
	data := map[string]any{"user": user}
	if info, ok := middleware.SessionInfo(r.Context()); ok {
		data["session"] = info
	}
	response.Success(w, http.StatusOK, data)
}

// CSRFToken mints a token bound to the current session
// GET /api/auth/csrf-token
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	binding := csrf.Binding(r.Context())
	if binding == "" {
		response.Error(w, http.StatusUnauthorized, response.CodeAuthRequired, "Authentication required", nil)
		return
	}
	tok, err := h.csrf.Generate(binding)
	if err != nil {
		h.internalError(w, r, "csrf token generation failed", err)
		return
	}
	response.Success(w, http.StatusOK, tok)
}

// ChangePassword replaces the password, revokes all sessions and opens a new one
// POST /api/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := middleware.Input[ChangePasswordRequest](ctx)
	if !ok {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "Invalid request body", nil)
		return
	}
	user, ok := appctx.ExtractUser(ctx)
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeAuthRequired, "Authentication required", nil)
		return
	}
	info, _ := middleware.SessionInfo(ctx)

	res, err := h.sdk.ChangePassword(ctx, session.ChangePasswordInput{
		User:            user,
		Current:         info,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		IPAddress:       clientIP(r),
		UserAgent:       r.UserAgent(),
	})
	if err != nil {
		var weak *session.WeakPasswordError
		switch {
		case errors.As(err, &weak):
			response.Error(w, http.StatusBadRequest, response.CodeValidationError, "Password does not meet the strength policy", map[string]any{
				"errors":   weak.Strength.Errors,
				"score":    weak.Strength.Score,
				"strength": weak.Strength.Strength,
			})
		case errors.Is(err, session.ErrBreachedPassword):
			response.Error(w, http.StatusBadRequest, response.CodeValidationError, "Password appears in a known data breach", nil)
		default:
			h.writeCredentialError(w, r, err, "Current password is incorrect")
		}
		return
	}
	h.openSession(w, r, res)
}

func (h *AuthHandler) openSession(w http.ResponseWriter, r *http.Request, res *session.LoginResult) {
	tok, err := h.csrf.Generate(res.Session.ID)
	if err != nil {
		h.internalError(w, r, "csrf token generation failed", err)
		return
	}
	h.sdk.SetSessionCookie(w, res.Token)
	response.Success(w, http.StatusOK, SessionResponse{
		User:      res.User,
		CSRFToken: tok.Token,
		ExpiresAt: res.Session.ExpiresAt,
	})
}

func (h *AuthHandler) writeCredentialError(w http.ResponseWriter, r *http.Request, err error, invalidMsg string) {
	var lockErr *password.LockoutError
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidCredentials, invalidMsg, nil)
	case errors.As(err, &lockErr):
		secs := int((lockErr.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		response.Error(w, http.StatusTooManyRequests, response.CodeLocked,
			"Too many failed login attempts. Please try again later.",
			map[string]any{"retryAfter": secs})
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
	default:
		h.internalError(w, r, "credential check failed", err)
	}
}

func (h *AuthHandler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
}

func clientIP(r *http.Request) string {
	if ip := appctx.ExtractIPAddress(r.Context()); ip != "" {
		return ip
	}
	return ratelimit.PeerAddr(r)
}

func emit(sink audit.Sink, r *http.Request, ev audit.Event) {
	if sink != nil {
		sink.LogSecurityEvent(r.Context(), ev.WithRequest(r))
	}
}
