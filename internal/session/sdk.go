// Package session issues, verifies and revokes login sessions and runs the
// password login flow with per-account lockout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procuredesk/guard/internal/audit"
	appctx "github.com/procuredesk/guard/internal/context"
	"github.com/procuredesk/guard/internal/metrics"
	"github.com/procuredesk/guard/internal/password"
	"github.com/procuredesk/guard/internal/ratelimit"
	"github.com/procuredesk/guard/internal/repository"
)

const (
	// DefaultCookieName is the session cookie name
	DefaultCookieName = "guard_session"
	// DefaultMaxAge is the session and cookie lifetime
	DefaultMaxAge = 7 * 24 * time.Hour

	dummyPassword = "timing-equalizer-Pa55!"
)

// Session errors
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBreachedPassword   = errors.New("password appears in a known data breach")
)

// ForbiddenError reasons
const (
	ReasonMissing = "missing session cookie"
	ReasonInvalid = "invalid or expired session"
)

// ForbiddenError is returned when a request carries no valid session
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

// WeakPasswordError carries the failed strength rules of a rejected new password
type WeakPasswordError struct {
	Strength password.Strength
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("password too weak (%s)", e.Strength.Strength)
}

// Config holds session behaviour
type Config struct {
	CookieName  string
	MaxAge      time.Duration
	Secure      bool
	SameSite    http.SameSite
	Continuity  ContinuityPolicy
	OwnerOpenID string
	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// Deps are the collaborators of the SDK. Breach and Audit may be nil.
type Deps struct {
	Tokens  *TokenService
	Store   Store
	Users   repository.UserRepository
	Hasher  *password.Hasher
	Lockout *password.Lockout
	Breach  *password.BreachChecker
	Audit   audit.Sink
	Logger  *slog.Logger
}

// SDK is the session entry point used by handlers and middleware
type SDK struct {
	tokens  *TokenService
	store   Store
	users   repository.UserRepository
	hasher  *password.Hasher
	lockout *password.Lockout
	breach  *password.BreachChecker
	sink    audit.Sink
	logger  *slog.Logger
	cfg     Config
	chain   []Strategy

	dummyOnce sync.Once
	dummy     password.Hash
}

// New creates an SDK. Verification tries current-format sessions first, then
// legacy tokens.
func New(deps Deps, cfg Config) *SDK {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteLaxMode
	}
	if cfg.Continuity == "" {
		cfg.Continuity = ContinuityFlag
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &SDK{
		tokens:  deps.Tokens,
		store:   deps.Store,
		users:   deps.Users,
		hasher:  deps.Hasher,
		lockout: deps.Lockout,
		breach:  deps.Breach,
		sink:    deps.Audit,
		logger:  deps.Logger,
		cfg:     cfg,
	}
	s.chain = []Strategy{
		sessionStrategy(deps.Tokens, deps.Store, cfg.Now, deps.Logger),
		legacyStrategy(deps.Tokens),
	}
	return s
}

// CookieName returns the session cookie name
func (s *SDK) CookieName() string { return s.cfg.CookieName }

// CreateParams identify the user a session is issued to
type CreateParams struct {
	UserID    int64
	OpenID    string
	Name      string
	IPAddress string
	UserAgent string
}

// CreateSessionToken records a new session and returns its signed token
func (s *SDK) CreateSessionToken(ctx context.Context, p CreateParams) (string, *Session, error) {
	now := s.cfg.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		OpenID:    p.OpenID,
		Name:      p.Name,
		IPAddress: p.IPAddress,
		UserAgent: p.UserAgent,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.MaxAge),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	token, err := s.tokens.Sign(sess)
	if err != nil {
		_ = s.store.Revoke(ctx, sess.ID)
		return "", nil, fmt.Errorf("sign session: %w", err)
	}
	return token, sess, nil
}

// VerifySession returns the identity behind token, or nil when no strategy
// accepts it. ip and userAgent are optional continuity signals.
func (s *SDK) VerifySession(ctx context.Context, token, ip, userAgent string) *Info {
	if token == "" {
		return nil
	}
	for _, verify := range s.chain {
		info, ok := verify(ctx, token)
		if !ok {
			continue
		}
		if !s.checkContinuity(ctx, info, ip, userAgent) {
			return nil
		}
		return info
	}
	return nil
}

// Logout revokes one session
func (s *SDK) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.store.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// LogoutAllDevices revokes every session of a user and returns how many were live
func (s *SDK) LogoutAllDevices(ctx context.Context, userID int64) (int, error) {
	n, err := s.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return n, nil
}

// RotateSession issues a fresh session for the same identity and revokes the
// old one. Legacy sessions are upgraded to the current format.
func (s *SDK) RotateSession(ctx context.Context, user *repository.User, old *Info, ip, userAgent string) (string, *Session, error) {
	token, sess, err := s.CreateSessionToken(ctx, CreateParams{
		UserID:    user.ID,
		OpenID:    user.OpenID,
		Name:      user.Name,
		IPAddress: ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return "", nil, err
	}
	if old != nil && old.SessionID != "" {
		if err := s.Logout(ctx, old.SessionID); err != nil {
			return "", nil, err
		}
	}
	return token, sess, nil
}

// AuthenticateRequest resolves the user behind the request's session cookie.
// The user record is created on first sight of an openId and its
// last_signed_in is refreshed.
func (s *SDK) AuthenticateRequest(r *http.Request) (*repository.User, *Info, error) {
	ctx := r.Context()
	token := TokenFromRequest(r, s.cfg.CookieName)
	if token == "" {
		return nil, nil, &ForbiddenError{Reason: ReasonMissing}
	}

	ip := appctx.ExtractIPAddress(ctx)
	if ip == "" {
		ip = ratelimit.PeerAddr(r)
	}
	info := s.VerifySession(ctx, token, ip, r.UserAgent())
	if info == nil {
		return nil, nil, &ForbiddenError{Reason: ReasonInvalid}
	}

	user, err := s.resolveUser(ctx, info)
	if err != nil {
		return nil, nil, err
	}

	now := s.cfg.Now().UTC()
	if err := s.users.Update(ctx, user.ID, repository.UserUpdate{LastSignedIn: &now}); err != nil {
		return nil, nil, fmt.Errorf("update last signed in: %w", err)
	}
	user.LastSignedIn = &now
	return user, info, nil
}

func (s *SDK) resolveUser(ctx context.Context, info *Info) (*repository.User, error) {
	if info.UserID != 0 {
		user, err := s.users.GetByID(ctx, info.UserID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("load user: %w", err)
		}
	}
	user, err := s.users.GetByOpenID(ctx, info.OpenID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("load user: %w", err)
	}
	user, err = s.users.Upsert(ctx, repository.UpsertUserParams{OpenID: info.OpenID, Name: info.Name})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// LoginInput is a password login attempt
type LoginInput struct {
	OpenID    string
	Password  string
	IPAddress string
	UserAgent string
}

// LoginResult is a successful login
type LoginResult struct {
	Token   string
	Session *Session
	User    *repository.User
}

// Login verifies a password and opens a session. Unknown accounts and wrong
// passwords both return ErrInvalidCredentials; a locked account returns
// *password.LockoutError even for the correct password.
func (s *SDK) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	openID := in.OpenID
	if openID == "" {
		openID = s.cfg.OwnerOpenID
	}

	user, err := s.users.GetByOpenID(ctx, openID)
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("load user: %w", err)
		}
		s.burnVerify(ctx, in.Password)
		s.loginFailed(ctx, in, nil, "unknown account")
		return nil, ErrInvalidCredentials
	}

	lockID := LockoutID(user.ID)
	if err := s.lockout.Check(ctx, lockID); err != nil {
		var lockErr *password.LockoutError
		if errors.As(err, &lockErr) {
			metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
			return nil, lockErr
		}
		metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if !s.verifyUserPassword(ctx, user, in.Password) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := s.lockout.RecordFailure(ctx, lockID)
		if err != nil {
			metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		s.loginFailed(ctx, in, &user.ID, "wrong password")
		if st.Locked(s.cfg.Now()) {
			s.accountLocked(ctx, in, user.ID, st)
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.lockout.Clear(ctx, lockID); err != nil {
		s.logger.WarnContext(ctx, "failed to clear lockout", slog.String("error", err.Error()))
	}
	now := s.cfg.Now().UTC()
	if err := s.users.Update(ctx, user.ID, repository.UserUpdate{LastLoginAt: &now, LastSignedIn: &now}); err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("update login time: %w", err)
	}
	user.LastLoginAt = &now
	user.LastSignedIn = &now

	token, sess, err := s.CreateSessionToken(ctx, CreateParams{
		UserID:    user.ID,
		OpenID:    user.OpenID,
		Name:      user.Name,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})
	if err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	s.logger.InfoContext(ctx, "login succeeded",
		slog.Int64("user_id", user.ID),
		slog.String("session_id", sess.ID),
	)
	return &LoginResult{Token: token, Session: sess, User: user}, nil
}

// ChangePasswordInput is a password change by an authenticated user
type ChangePasswordInput struct {
	User            *repository.User
	Current         *Info
	CurrentPassword string
	NewPassword     string
	IPAddress       string
	UserAgent       string
}

// ChangePassword verifies the current password (when one is set), stores the
// new one, revokes every session of the user and returns a fresh one.
func (s *SDK) ChangePassword(ctx context.Context, in ChangePasswordInput) (*LoginResult, error) {
	user := in.User
	lockID := LockoutID(user.ID)
	if user.PasswordHash != nil {
		if err := s.lockout.Check(ctx, lockID); err != nil {
			return nil, err
		}
		if !s.verifyUserPassword(ctx, user, in.CurrentPassword) {
			if _, err := s.lockout.RecordFailure(ctx, lockID); err != nil {
				return nil, err
			}
			return nil, ErrInvalidCredentials
		}
	}

	if err := s.SetPassword(ctx, user.ID, in.NewPassword); err != nil {
		return nil, err
	}
	if _, err := s.LogoutAllDevices(ctx, user.ID); err != nil {
		return nil, err
	}
	token, sess, err := s.RotateSession(ctx, user, nil, in.IPAddress, in.UserAgent)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, Session: sess, User: user}, nil
}

// SetPassword scores, breach-checks, hashes and stores a new password
func (s *SDK) SetPassword(ctx context.Context, userID int64, newPassword string) error {
	strength := s.hasher.Policy().Validate(newPassword)
	if !strength.IsValid {
		return &WeakPasswordError{Strength: strength}
	}
	if s.breach != nil {
		if res := s.breach.Check(ctx, newPassword); res.IsBreached {
			return ErrBreachedPassword
		}
	}
	h, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	err = s.users.Update(ctx, userID, repository.UserUpdate{
		PasswordHash: &h.Hash,
		PasswordSalt: &h.Salt,
		ClearLockout: true,
	})
	if err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	return nil
}

// PurgeExpired drops expired sessions and lapsed lockouts
func (s *SDK) PurgeExpired(ctx context.Context) (int, error) {
	s.lockout.Purge()
	return s.store.PurgeExpired(ctx, s.cfg.Now())
}

func (s *SDK) verifyUserPassword(ctx context.Context, user *repository.User, pw string) bool {
	if user.PasswordHash == nil || user.PasswordSalt == nil {
		s.burnVerify(ctx, pw)
		return false
	}
	return s.hasher.Verify(ctx, pw, *user.PasswordHash, *user.PasswordSalt)
}

// burnVerify spends one KDF run so unknown accounts answer in the same time
// as wrong passwords.
func (s *SDK) burnVerify(ctx context.Context, pw string) {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash(context.Background(), dummyPassword)
		if err == nil {
			s.dummy = h
		}
	})
	if s.dummy.Hash != "" {
		s.hasher.Verify(ctx, pw, s.dummy.Hash, s.dummy.Salt)
	}
}

func (s *SDK) loginFailed(ctx context.Context, in LoginInput, userID *int64, reason string) {
	metrics.LoginAttemptsTotal.WithLabelValues("invalid").Inc()
	s.emit(ctx, audit.Event{
		Type:        audit.EventLoginFailed,
		Severity:    audit.SeverityLow,
		Description: "Failed login attempt",
		UserID:      userID,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		Endpoint:    "login",
		Details:     map[string]any{"reason": reason},
	})
}

func (s *SDK) accountLocked(ctx context.Context, in LoginInput, userID int64, st password.LockoutState) {
	s.emit(ctx, audit.Event{
		Type:        audit.EventAccountLocked,
		Severity:    audit.SeverityHigh,
		Description: "Account locked after repeated failed logins",
		UserID:      &userID,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		Endpoint:    "login",
		Details: map[string]any{
			"failedAttempts": st.FailedAttempts,
			"lockedUntil":    st.LockedUntil.UTC().Format(time.RFC3339),
		},
	})
}

func (s *SDK) emit(ctx context.Context, ev audit.Event) {
	if s.sink != nil {
		s.sink.LogSecurityEvent(ctx, ev)
	}
}
