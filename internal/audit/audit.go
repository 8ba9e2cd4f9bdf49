// Package audit persists security events and user actions. Writes are best
// effort: a failing store is logged and counted, never returned to the caller.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	appctx "github.com/procuredesk/guard/internal/context"
	"github.com/procuredesk/guard/internal/metrics"
	"github.com/procuredesk/guard/internal/repository"
)

// Severity of a security event
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Security event types emitted by the pipeline
const (
	EventCSRFViolation     = "csrf_violation"
	EventSQLInjection      = "sql_injection_attempt"
	EventXSSAttempt        = "xss_attempt"
	EventRateLimited       = "rate_limit_exceeded"
	EventPermissionDenied  = "permission_denied"
	EventLoginFailed       = "login_failed"
	EventAccountLocked     = "account_locked"
	EventBreachCheckFailed = "breach_check_failed"
	EventSessionAnomaly    = "session_anomaly"
	EventSessionRejected   = "session_rejected"
	EventUploadRejected    = "upload_rejected"
)

const (
	// MaxFieldLength bounds every stored string value
	MaxFieldLength = 1000
	// DefaultWriteTimeout bounds a single persistence call
	DefaultWriteTimeout = 3 * time.Second

	redacted = "[REDACTED]"
)

var sensitiveFields = []string{"password", "token", "secret", "key"}

// Event is a security event before redaction and persistence
type Event struct {
	Type        string
	Severity    Severity
	Description string
	UserID      *int64
	IPAddress   string
	UserAgent   string
	Endpoint    string
	Details     map[string]any
}

// WithRequest fills request metadata that is not already set
func (e Event) WithRequest(r *http.Request) Event {
	if e.IPAddress == "" {
		e.IPAddress = appctx.ExtractIPAddress(r.Context())
	}
	if e.UserAgent == "" {
		e.UserAgent = r.UserAgent()
	}
	if e.Endpoint == "" {
		e.Endpoint = r.Method + " " + r.URL.Path
	}
	if e.UserID == nil {
		if id, ok := appctx.ExtractUserID(r.Context()); ok {
			e.UserID = &id
		}
	}
	return e
}

// Action is a state-changing user action
type Action struct {
	UserID     *int64
	Action     string
	EntityType string
	EntityID   string
	Changes    map[string]any
	IPAddress  string
	UserAgent  string
}

// Sink receives security events. *Logger implements it.
type Sink interface {
	LogSecurityEvent(ctx context.Context, event Event)
}

// Logger writes redacted audit records to the repository
type Logger struct {
	repo    repository.AuditRepository
	logger  *slog.Logger
	timeout time.Duration
}

// NewLogger creates an audit logger
func NewLogger(repo repository.AuditRepository, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{repo: repo, logger: logger, timeout: DefaultWriteTimeout}
}

// WithTimeout overrides the per-write timeout
func (l *Logger) WithTimeout(d time.Duration) *Logger {
	c := *l
	c.timeout = d
	return &c
}

// LogSecurityEvent persists a security event, and an anomaly when critical
func (l *Logger) LogSecurityEvent(ctx context.Context, event Event) {
	if event.Severity == "" {
		event.Severity = SeverityMedium
	}
	metrics.SecurityEventsTotal.WithLabelValues(event.Type, string(event.Severity)).Inc()

	record := &repository.SecurityEvent{
		Type:        event.Type,
		Severity:    string(event.Severity),
		Description: Truncate(event.Description),
		UserID:      event.UserID,
		IPAddress:   event.IPAddress,
		UserAgent:   Truncate(event.UserAgent),
		Endpoint:    Truncate(event.Endpoint),
		Details:     l.encode(event.Details),
	}

	level := slog.LevelInfo
	switch event.Severity {
	case SeverityHigh, SeverityCritical:
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "security event",
		slog.String("type", event.Type),
		slog.String("severity", string(event.Severity)),
		slog.String("ip", event.IPAddress),
		slog.String("endpoint", record.Endpoint),
	)

	wctx, cancel := l.writeContext(ctx)
	defer cancel()

	if err := l.repo.CreateSecurityEvent(wctx, record); err != nil {
		l.dropped(ctx, "security_event", err)
		return
	}
	if event.Severity != SeverityCritical {
		return
	}
	anomaly := &repository.Anomaly{
		SecurityEventID: record.ID,
		Type:            event.Type,
		Severity:        string(event.Severity),
		Description:     record.Description,
		Status:          "open",
	}
	if err := l.repo.CreateAnomaly(wctx, anomaly); err != nil {
		l.dropped(ctx, "anomaly", err)
	}
}

// LogUserAction persists a user action
func (l *Logger) LogUserAction(ctx context.Context, action Action) {
	var entityID *string
	if action.EntityID != "" {
		id := Truncate(action.EntityID)
		entityID = &id
	}
	record := &repository.AuditLog{
		UserID:     action.UserID,
		Action:     Truncate(action.Action),
		EntityType: Truncate(action.EntityType),
		EntityID:   entityID,
		Changes:    l.encode(action.Changes),
		IPAddress:  action.IPAddress,
		UserAgent:  Truncate(action.UserAgent),
	}

	wctx, cancel := l.writeContext(ctx)
	defer cancel()

	if err := l.repo.CreateAuditLog(wctx, record); err != nil {
		l.dropped(ctx, "audit_log", err)
	}
}

// writeContext detaches the write from request cancellation and bounds it,
// so a write either completes or is dropped whole.
func (l *Logger) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
}

func (l *Logger) dropped(ctx context.Context, kind string, err error) {
	metrics.AuditWriteFailures.WithLabelValues(kind).Inc()
	l.logger.ErrorContext(ctx, "audit write failed",
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

func (l *Logger) encode(details map[string]any) json.RawMessage {
	if len(details) == 0 {
		return nil
	}
	b, err := json.Marshal(Redact(details))
	if err != nil {
		l.logger.Warn("audit details not encodable", slog.String("error", err.Error()))
		return nil
	}
	return b
}

// IsSensitiveField reports whether a field name must never be stored
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of m with sensitive keys masked and long strings
// truncated, descending into nested maps and slices.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveField(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return Truncate(val)
	case map[string]any:
		return Redact(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return Redact(m)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Truncate(item)
		}
		return out
	default:
		return v
	}
}

// Truncate cuts s to MaxFieldLength runes
func Truncate(s string) string {
	if len(s) <= MaxFieldLength {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxFieldLength {
		return s
	}
	return string(r[:MaxFieldLength])
}
