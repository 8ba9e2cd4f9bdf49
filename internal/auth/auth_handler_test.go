package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procuredesk/guard/internal/audit"
	"github.com/procuredesk/guard/internal/csrf"
	"github.com/procuredesk/guard/internal/middleware"
	"github.com/procuredesk/guard/internal/password"
	"github.com/procuredesk/guard/internal/ratelimit"
	"github.com/procuredesk/guard/internal/repository"
	"github.com/procuredesk/guard/internal/response"
	"github.com/procuredesk/guard/internal/sanitizer"
	"github.com/procuredesk/guard/internal/session"
	"github.com/procuredesk/guard/internal/storage"
)

const (
	ownerPassword = "Tr0ub4dor&Zebra!"
	clientAddr    = "198.51.100.20:50000"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type server struct {
	router  http.Handler
	clock   *clock
	users   *repository.MemoryUserRepository
	auditDB *repository.MemoryAuditRepository
	store   *storage.MemoryStore
	docs    *repository.MemoryDocumentRepository
	owner   *repository.User
}

func lenientProfiles() ratelimit.Profiles {
	p := ratelimit.DefaultProfiles()
	for name, prof := range p {
		prof.MaxRequests = 1000
		p[name] = prof
	}
	return p
}

func newServer(t *testing.T, profiles ratelimit.Profiles) *server {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}

	users := repository.NewMemoryUserRepository()
	auditDB := repository.NewMemoryAuditRepository()
	auditLog := audit.NewLogger(auditDB, nil)

	tokens, err := session.NewTokenService(session.TokenConfig{
		Secret: "handler-test-secret-0123456789abcdef",
		Issuer: "guard-test",
		AppID:  "procurement",
		Now:    clk.Now,
	})
	require.NoError(t, err)
	hasher := password.NewHasher(password.Params{N: 1024, R: 8, P: 1, KeyLength: 64, SaltLength: 32}, password.DefaultPolicy())
	lockout := password.NewLockout(session.NewUserLockoutStore(users), password.LockoutConfig{Now: clk.Now})
	sdk := session.New(session.Deps{
		Tokens:  tokens,
		Store:   session.NewMemoryStore(),
		Users:   users,
		Hasher:  hasher,
		Lockout: lockout,
		Audit:   auditLog,
	}, session.Config{OwnerOpenID: "owner", Now: clk.Now})

	ctx := context.Background()
	owner, err := users.Upsert(ctx, repository.UpsertUserParams{OpenID: "owner", Name: "Owner"})
	require.NoError(t, err)
	require.NoError(t, sdk.SetPassword(ctx, owner.ID, ownerPassword))

	protector, err := csrf.New("handler-test-csrf-key-0123456789", time.Hour, clk.Now)
	require.NoError(t, err)

	pipeline := middleware.NewPipeline(middleware.Deps{
		Auth:        sdk,
		Permissions: users,
		RateLimit:   ratelimit.NewMiddleware(ratelimit.NewLimiter(ratelimit.NewMemoryStore(), clk.Now), profiles, nil, auditLog, nil),
		CSRF:        csrf.NewMiddleware(protector, auditLog, nil, nil),
		Validator:   sanitizer.NewValidator(auditLog, nil),
		Audit:       auditLog,
	})

	store := storage.NewMemoryStore(clk.Now)
	docs := repository.NewMemoryDocumentRepository()

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		RegisterRoutes(r, pipeline,
			NewAuthHandler(sdk, protector, nil),
			NewDocumentHandler(sanitizer.DefaultUploadPolicy(), store, docs, auditLog, nil))
	})
	return &server{router: r, clock: clk, users: users, auditDB: auditDB, store: store, docs: docs, owner: owner}
}

// creds is what a browser holds after login
type creds struct {
	cookie *http.Cookie
	csrf   string
}

func (s *server) do(t *testing.T, req *http.Request, sess *creds) *httptest.ResponseRecorder {
	t.Helper()
	req.RemoteAddr = clientAddr
	if sess != nil {
		if sess.cookie != nil {
			req.AddCookie(sess.cookie)
		}
		if sess.csrf != "" {
			req.Header.Set(csrf.HeaderName, sess.csrf)
		}
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) login(t *testing.T, pw string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"password": pw})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req, nil)
}

func sessionFrom(t *testing.T, rec *httptest.ResponseRecorder) *creds {
	t.Helper()
	var body struct {
		Data SessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.DefaultCookieName {
			return &creds{cookie: c, csrf: body.Data.CSRFToken}
		}
	}
	t.Fatal("no session cookie")
	return nil
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body response.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error, rec.Body.String())
	return body.Error.Code
}

func TestLogin_SetsSessionCookie(t *testing.T) {
	s := newServer(t, lenientProfiles())
	rec := s.login(t, ownerPassword)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sess := sessionFrom(t, rec)
	assert.True(t, sess.cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, sess.cookie.SameSite)
	assert.Equal(t, int(session.DefaultMaxAge.Seconds()), sess.cookie.MaxAge)
	assert.NotEmpty(t, sess.csrf)
	assert.NotContains(t, rec.Body.String(), "passwordHash")
}

func (s *server) loginFrom(t *testing.T, addr, pw string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"password": pw})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// Runs under the shipped profiles. Each attempt comes from its own client so
// the per-client auth window never fills and the account lockout decides.
func TestLogin_LockoutScenario(t *testing.T) {
	s := newServer(t, ratelimit.DefaultProfiles())
	client := func(i int) string { return fmt.Sprintf("198.51.100.%d:40000", 10+i) }

	require.Equal(t, http.StatusOK, s.loginFrom(t, client(0), ownerPassword).Code)

	for i := range password.DefaultMaxAttempts {
		rec := s.loginFrom(t, client(i+1), "wrong-password")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
		assert.Equal(t, response.CodeInvalidCredentials, errorCode(t, rec))
	}

	rec := s.loginFrom(t, client(9), ownerPassword)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, response.CodeLocked, errorCode(t, rec))
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	s.clock.Advance(password.DefaultLockoutDuration + time.Second)
	rec = s.loginFrom(t, client(9), ownerPassword)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var locked, failed int
	for _, ev := range s.auditDB.SecurityEvents() {
		switch ev.Type {
		case audit.EventAccountLocked:
			locked++
		case audit.EventLoginFailed:
			failed++
		}
	}
	assert.Equal(t, 1, locked)
	assert.Equal(t, 5, failed)
}

// A single client reaches the auth window before the lockout threshold, but
// its failures still count toward the lock.
func TestLogin_SingleClientHitsAuthWindowFirst(t *testing.T) {
	s := newServer(t, ratelimit.DefaultProfiles())

	for range password.DefaultMaxAttempts {
		require.Equal(t, http.StatusUnauthorized, s.login(t, "wrong-password").Code)
	}
	rec := s.login(t, ownerPassword)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, response.CodeRateLimited, errorCode(t, rec))

	rec = s.loginFrom(t, "203.0.113.77:40000", ownerPassword)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, response.CodeLocked, errorCode(t, rec))
}

func TestLogin_AuthProfileRateLimit(t *testing.T) {
	s := newServer(t, ratelimit.DefaultProfiles())
	for range 5 {
		require.Equal(t, http.StatusUnauthorized, s.login(t, "wrong").Code)
	}
	rec := s.login(t, "wrong")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, response.CodeRateLimited, errorCode(t, rec))
}

func TestLogin_InvalidBody(t *testing.T) {
	s := newServer(t, lenientProfiles())
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"openId":"owner"}`))
	rec := s.do(t, req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, response.CodeValidationError, errorCode(t, rec))

	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"openId":"' OR 1=1 --","password":"x"}`))
	rec = s.do(t, req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, response.CodeInvalidInput, errorCode(t, rec))
}

func TestMe_RequiresSession(t *testing.T) {
	s := newServer(t, lenientProfiles())
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sess := sessionFrom(t, s.login(t, ownerPassword))
	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), sess)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"openId":"owner"`)
}

func TestCSRFToken_Endpoint(t *testing.T) {
	s := newServer(t, lenientProfiles())
	sess := sessionFrom(t, s.login(t, ownerPassword))

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/csrf-token", nil), &creds{cookie: sess.cookie})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data csrf.Token `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Data.Token)
	assert.WithinDuration(t, s.clock.Now().Add(time.Hour), body.Data.ExpiresAt, time.Second)

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/logout-all", nil), &creds{cookie: sess.cookie, csrf: body.Data.Token})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogoutAll_RequiresCSRF(t *testing.T) {
	s := newServer(t, lenientProfiles())
	sess := sessionFrom(t, s.login(t, ownerPassword))
	other := sessionFrom(t, s.login(t, ownerPassword))

	rec := s.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/logout-all", nil), &creds{cookie: sess.cookie})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, response.CodeCSRFInvalid, errorCode(t, rec))

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/logout-all", nil), &creds{cookie: sess.cookie, csrf: other.csrf})
	assert.Equal(t, http.StatusForbidden, rec.Code, "token bound to another session")

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/logout-all", nil), sess)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revoked":2`)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), other)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	logs := s.auditDB.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "POST /api/auth/logout-all", logs[0].Action)
}

func TestLogout(t *testing.T) {
	s := newServer(t, lenientProfiles())
	sess := sessionFrom(t, s.login(t, ownerPassword))

	rec := s.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), &creds{cookie: sess.cookie})
	require.Equal(t, http.StatusOK, rec.Code, "logout is CSRF exempt")
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), sess)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code, "logout without a session still clears the cookie")
}

func TestChangePassword(t *testing.T) {
	s := newServer(t, lenientProfiles())
	sess := sessionFrom(t, s.login(t, ownerPassword))

	post := func(current, next string, sess *creds) *httptest.ResponseRecorder {
		body, _ := json.Marshal(ChangePasswordRequest{CurrentPassword: current, NewPassword: next})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/password", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return s.do(t, req, sess)
	}

	rec := post("not-it", "N3w&Str0nger!Pass", sess)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(ownerPassword, "weak", sess)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, response.CodeValidationError, errorCode(t, rec))

	rec = post(ownerPassword, "N3w&Str0nger!Pass", sess)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fresh := sessionFrom(t, rec)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), sess).Code)
	assert.Equal(t, http.StatusOK, s.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), fresh).Code)
	assert.Equal(t, http.StatusUnauthorized, s.login(t, ownerPassword).Code)
	assert.Equal(t, http.StatusOK, s.login(t, "N3w&Str0nger!Pass").Code)
}

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

func uploadRequest(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	s := newServer(t, lenientProfiles())
	sess := sessionFrom(t, s.login(t, ownerPassword))

	rec := s.do(t, uploadRequest(t, "Quote-77.pdf", "application/pdf", samplePDF), sess)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Data DocumentResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "application/pdf", body.Data.DetectedType)
	assert.Equal(t, "Quote-77.pdf", body.Data.Document.Filename)

	docs := s.docs.Documents()
	require.Len(t, docs, 1)
	data, ct, err := s.store.Get(docs[0].StorageKey)
	require.NoError(t, err)
	assert.Equal(t, samplePDF, data)
	assert.Equal(t, "application/pdf", ct)
	assert.True(t, strings.HasPrefix(docs[0].StorageKey, "documents/"))
}

func TestUpload_Rejected(t *testing.T) {
	tests := []struct {
		name, filename, contentType string
		data                        []byte
	}{
		{"executable", "setup.exe", "application/octet-stream", []byte("MZ\x90\x00")},
		{"disguised executable", "invoice.pdf", "application/pdf", append([]byte("MZ"), make([]byte, 64)...)},
		{"traversal", "../../../etc/passwd", "text/plain", []byte("root:x:0:0")},
		{"empty", "empty.pdf", "application/pdf", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, lenientProfiles())
			sess := sessionFrom(t, s.login(t, ownerPassword))

			rec := s.do(t, uploadRequest(t, tt.filename, tt.contentType, tt.data), sess)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, response.CodeValidationError, errorCode(t, rec))
			assert.Empty(t, s.docs.Documents())

			var rejected int
			for _, ev := range s.auditDB.SecurityEvents() {
				if ev.Type == audit.EventUploadRejected {
					rejected++
				}
			}
			assert.Equal(t, 1, rejected)
		})
	}
}

func TestUpload_RequiresCSRF(t *testing.T) {
	s := newServer(t, lenientProfiles())
	sess := sessionFrom(t, s.login(t, ownerPassword))
	rec := s.do(t, uploadRequest(t, "a.pdf", "application/pdf", samplePDF), &creds{cookie: sess.cookie})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, s.docs.Documents())
}
