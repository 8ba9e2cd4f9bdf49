package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid session token")
	ErrLegacyToken   = errors.New("token is not a legacy session token")
	ErrMissingSecret = errors.New("session secret is required")
)

// Claims are carried by current-format session tokens
type Claims struct {
	SessionID string `json:"sid"`
	UserID    int64  `json:"uid"`
	OpenID    string `json:"openId"`
	Name      string `json:"name"`
	IP        string `json:"ip,omitempty"`
	// UA is a fingerprint of the user agent, not the raw header
	UA string `json:"ua,omitempty"`
	jwt.RegisteredClaims
}

// LegacyClaims are carried by tokens minted before server-side sessions.
// They cannot be revoked individually.
type LegacyClaims struct {
	OpenID string `json:"openId"`
	AppID  string `json:"appId"`
	Name   string `json:"name"`
	// SessionID must be empty; a sid marks a current-format token
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig holds configuration for TokenService
type TokenConfig struct {
	Secret       string
	LegacySecret string
	Issuer       string
	AppID        string
	MaxAge       time.Duration
	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// TokenService signs and parses HS256 session tokens
type TokenService struct {
	secret       []byte
	legacySecret []byte
	issuer       string
	appID        string
	maxAge       time.Duration
	now          func() time.Time
}

// NewTokenService creates a new TokenService instance. An empty legacy secret
// reuses the current secret.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.LegacySecret == "" {
		cfg.LegacySecret = cfg.Secret
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenService{
		secret:       []byte(cfg.Secret),
		legacySecret: []byte(cfg.LegacySecret),
		issuer:       cfg.Issuer,
		appID:        cfg.AppID,
		maxAge:       cfg.MaxAge,
		now:          cfg.Now,
	}, nil
}

// MaxAge returns the session lifetime
func (s *TokenService) MaxAge() time.Duration { return s.maxAge }

// Sign mints a current-format token for sess
func (s *TokenService) Sign(sess *Session) (string, error) {
	claims := Claims{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		OpenID:    sess.OpenID,
		Name:      sess.Name,
		IP:        sess.IPAddress,
		UA:        Fingerprint(sess.UserAgent),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates signature, expiry and issuer of a current-format token
func (s *TokenService) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenString, claims, s.secret); err != nil {
		return nil, err
	}
	if claims.SessionID == "" || claims.UserID == 0 || claims.OpenID == "" {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SignLegacy mints a legacy-format token. Used to migrate and test old clients.
func (s *TokenService) SignLegacy(openID, name string) (string, error) {
	now := s.now()
	claims := LegacyClaims{
		OpenID: openID,
		AppID:  s.appID,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.legacySecret)
}

// ParseLegacy validates a legacy-format token
func (s *TokenService) ParseLegacy(tokenString string) (*LegacyClaims, error) {
	claims := &LegacyClaims{}
	if err := s.parse(tokenString, claims, s.legacySecret); err != nil {
		return nil, err
	}
	if claims.SessionID != "" || claims.OpenID == "" || claims.AppID != s.appID {
		return nil, ErrLegacyToken
	}
	return claims, nil
}

func (s *TokenService) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	if tokenString == "" {
		return ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// Fingerprint returns a short stable digest of a user agent
func Fingerprint(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:8])
}
