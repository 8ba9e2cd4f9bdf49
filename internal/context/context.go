package context

import (
	"context"

	"github.com/procuredesk/guard/internal/repository"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserKey is the context key for the authenticated user record
	UserKey ContextKey = "user"
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "user_id"
	// SessionIDKey is the context key for the session ID (empty for legacy sessions)
	SessionIDKey ContextKey = "session_id"
	// IPAddressKey is the context key for the resolved client address
	IPAddressKey ContextKey = "ip_address"
)

// WithIdentity stores the authenticated identity on the context
func WithIdentity(ctx context.Context, user *repository.User, sessionID, ip string) context.Context {
	ctx = context.WithValue(ctx, UserKey, user)
	ctx = context.WithValue(ctx, UserIDKey, user.ID)
	ctx = context.WithValue(ctx, SessionIDKey, sessionID)
	return context.WithValue(ctx, IPAddressKey, ip)
}

// WithIPAddress stores the client address on the context
func WithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, IPAddressKey, ip)
}

// ExtractUser extracts the authenticated user from the request context
func ExtractUser(ctx context.Context) (*repository.User, bool) {
	user, ok := ctx.Value(UserKey).(*repository.User)
	return user, ok && user != nil
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}

// ExtractSessionID extracts the session ID from the request context
func ExtractSessionID(ctx context.Context) (string, bool) {
	sid, ok := ctx.Value(SessionIDKey).(string)
	return sid, ok && sid != ""
}

// ExtractIPAddress extracts the client address from the request context
func ExtractIPAddress(ctx context.Context) string {
	ip, _ := ctx.Value(IPAddressKey).(string)
	return ip
}
