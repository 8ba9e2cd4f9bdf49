// Package csrf issues and checks session-bound anti-forgery tokens.
//
// A token is base64url(sessionId:unixMillis:secretHex:signatureHex) where the
// signature is HMAC-SHA256 over the first three fields under a server key.
// Tokens are not stored; validation recomputes the signature.
package csrf

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	appctx "github.com/procuredesk/guard/internal/context"
)

const (
	// DefaultTTL bounds the lifetime of a token
	DefaultTTL = 2 * time.Hour
	// HeaderName carries the token on API requests
	HeaderName = "X-CSRF-Token"

	secretBytes  = 16
	maxBodyPeek  = 1 << 20
	formField    = "_csrf"
	altFormField = "csrfToken"
)

// ErrMissingKey is returned when no signing key is configured
var ErrMissingKey = errors.New("csrf signing key is required")

// Token is a freshly minted CSRF token
type Token struct {
	Token     string    `json:"csrfToken"`
	Secret    string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Protector mints and validates tokens
type Protector struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// New creates a Protector. ttl <= 0 uses DefaultTTL and now may be nil.
func New(key string, ttl time.Duration, now func() time.Time) (*Protector, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Protector{key: []byte(key), ttl: ttl, now: now}, nil
}

// TTL returns the token lifetime
func (p *Protector) TTL() time.Duration { return p.ttl }

// Generate mints a token bound to sessionID
func (p *Protector) Generate(sessionID string) (Token, error) {
	if sessionID == "" {
		return Token{}, errors.New("csrf: session id is required")
	}
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, err
	}
	secret := hex.EncodeToString(buf)
	issued := p.now()
	payload := sessionID + ":" + strconv.FormatInt(issued.UnixMilli(), 10) + ":" + secret
	raw := payload + ":" + p.sign(payload)
	return Token{
		Token:     base64.RawURLEncoding.EncodeToString([]byte(raw)),
		Secret:    secret,
		ExpiresAt: issued.Add(p.ttl),
	}, nil
}

// Validate reports whether token was minted by this Protector for sessionID
// and has not expired. It never panics on malformed input.
func (p *Protector) Validate(token, sessionID string) bool {
	if token == "" || sessionID == "" {
		return false
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(token)
	if err != nil {
		return false
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) < 4 {
		return false
	}
	n := len(parts)
	sig, secret, ts := parts[n-1], parts[n-2], parts[n-3]
	sid := strings.Join(parts[:n-3], ":")
	if sid != sessionID || secret == "" {
		return false
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	issued := time.UnixMilli(ms)
	now := p.now()
	if issued.After(now) || now.Sub(issued) > p.ttl {
		return false
	}
	want, err := hex.DecodeString(p.sign(sid + ":" + ts + ":" + secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

func (p *Protector) sign(payload string) string {
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Binding returns the value tokens are bound to for the request's identity:
// the session id, or "legacy:<openId>" for legacy sessions without one.
func Binding(ctx context.Context) string {
	if sid, ok := appctx.ExtractSessionID(ctx); ok {
		return sid
	}
	if user, ok := appctx.ExtractUser(ctx); ok {
		return "legacy:" + user.OpenID
	}
	return ""
}

// Extract returns the token from the X-CSRF-Token header, then the _csrf or
// csrfToken body field (form or JSON), then the query string. The body is
// restored for later readers.
func Extract(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderName)); v != "" {
		return v
	}
	if v := fromBody(r); v != "" {
		return v
	}
	q := r.URL.Query()
	if v := q.Get(formField); v != "" {
		return v
	}
	return q.Get(altFormField)
}

func fromBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if v := r.PostFormValue(formField); v != "" {
			return v
		}
		return r.PostFormValue(altFormField)
	case "application/json":
		orig := r.Body
		body, err := io.ReadAll(io.LimitReader(orig, maxBodyPeek))
		r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), orig), Closer: orig}
		if err != nil {
			return ""
		}
		var fields struct {
			Csrf      string `json:"_csrf"`
			CsrfToken string `json:"csrfToken"`
		}
		if json.Unmarshal(body, &fields) != nil {
			return ""
		}
		if fields.Csrf != "" {
			return fields.Csrf
		}
		return fields.CsrfToken
	default:
		return ""
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
