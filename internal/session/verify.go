package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/procuredesk/guard/internal/audit"
)

// Info is the verified identity behind a token
type Info struct {
	SessionID string    `json:"sessionId,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
	OpenID    string    `json:"openId"`
	Name      string    `json:"name"`
	IPAddress string    `json:"-"`
	UserAgent string    `json:"-"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// Legacy sessions have no server-side record and no SessionID
	Legacy bool `json:"legacy"`
}

// Strategy verifies one token format. It reports no match instead of failing
// so the next strategy can try.
type Strategy func(ctx context.Context, token string) (*Info, bool)

// sessionStrategy accepts current-format tokens whose server-side session is
// still live and matches the token's identity.
func sessionStrategy(tokens *TokenService, store Store, now func() time.Time, logger *slog.Logger) Strategy {
	return func(ctx context.Context, token string) (*Info, bool) {
		claims, err := tokens.Parse(token)
		if err != nil {
			return nil, false
		}
		sess, err := store.Get(ctx, claims.SessionID)
		if err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				logger.ErrorContext(ctx, "session store lookup failed", slog.String("error", err.Error()))
			}
			return nil, false
		}
		if sess.UserID != claims.UserID || sess.OpenID != claims.OpenID || sess.Expired(now()) {
			return nil, false
		}
		return &Info{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			OpenID:    sess.OpenID,
			Name:      sess.Name,
			IPAddress: sess.IPAddress,
			UserAgent: sess.UserAgent,
			IssuedAt:  sess.IssuedAt,
			ExpiresAt: sess.ExpiresAt,
		}, true
	}
}

// legacyStrategy accepts pre-session tokens carrying only openId/appId/name
func legacyStrategy(tokens *TokenService) Strategy {
	return func(_ context.Context, token string) (*Info, bool) {
		claims, err := tokens.ParseLegacy(token)
		if err != nil {
			return nil, false
		}
		info := &Info{OpenID: claims.OpenID, Name: claims.Name, Legacy: true}
		if claims.IssuedAt != nil {
			info.IssuedAt = claims.IssuedAt.Time
		}
		if claims.ExpiresAt != nil {
			info.ExpiresAt = claims.ExpiresAt.Time
		}
		return info, true
	}
}

// ContinuityPolicy decides what happens when a session is presented from a
// different IP address or user agent than it was issued to.
type ContinuityPolicy string

const (
	ContinuityOff     ContinuityPolicy = "off"
	ContinuityFlag    ContinuityPolicy = "flag"
	ContinuityEnforce ContinuityPolicy = "enforce"
)

// ParseContinuityPolicy maps a config value to a policy, defaulting to flag
func ParseContinuityPolicy(s string) ContinuityPolicy {
	switch ContinuityPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case ContinuityOff:
		return ContinuityOff
	case ContinuityEnforce:
		return ContinuityEnforce
	default:
		return ContinuityFlag
	}
}

// continuityMismatch lists which bound attributes differ. Empty values on
// either side are not compared.
func continuityMismatch(info *Info, ip, userAgent string) []string {
	var changed []string
	if info.IPAddress != "" && ip != "" && info.IPAddress != ip {
		changed = append(changed, "ip")
	}
	if info.UserAgent != "" && userAgent != "" && info.UserAgent != userAgent {
		changed = append(changed, "user_agent")
	}
	return changed
}

// checkContinuity applies the policy and reports whether the session stays valid
func (s *SDK) checkContinuity(ctx context.Context, info *Info, ip, userAgent string) bool {
	if s.cfg.Continuity == ContinuityOff || info.Legacy {
		return true
	}
	changed := continuityMismatch(info, ip, userAgent)
	if len(changed) == 0 {
		return true
	}

	enforce := s.cfg.Continuity == ContinuityEnforce
	severity := audit.SeverityMedium
	if enforce {
		severity = audit.SeverityHigh
	}
	uid := info.UserID
	s.logger.WarnContext(ctx, "session continuity mismatch",
		slog.String("session_id", info.SessionID),
		slog.Any("changed", changed),
		slog.Bool("rejected", enforce),
	)
	s.emit(ctx, audit.Event{
		Type:        audit.EventSessionAnomaly,
		Severity:    severity,
		Description: "Session presented from a different client than it was issued to",
		UserID:      &uid,
		IPAddress:   ip,
		UserAgent:   userAgent,
		Details: map[string]any{
			"sessionId":  info.SessionID,
			"changed":    changed,
			"issuedToIp": info.IPAddress,
			"rejected":   enforce,
		},
	})
	return !enforce
}
