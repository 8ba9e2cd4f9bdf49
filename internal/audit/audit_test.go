package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/procuredesk/guard/internal/context"
	"github.com/procuredesk/guard/internal/repository"
)

func newTestLogger(t *testing.T) (*Logger, *repository.MemoryAuditRepository, *bytes.Buffer) {
	t.Helper()
	repo := repository.NewMemoryAuditRepository()
	buf := &bytes.Buffer{}
	l := NewLogger(repo, slog.New(slog.NewJSONHandler(buf, nil)))
	return l, repo, buf
}

func TestLogSecurityEvent_RedactsAndTruncates(t *testing.T) {
	l, repo, _ := newTestLogger(t)

	l.LogSecurityEvent(context.Background(), Event{
		Type:     EventSQLInjection,
		Severity: SeverityHigh,
		Details: map[string]any{
			"password": "hunter2",
			"apiKey":   "abc",
			"input":    strings.Repeat("x", 5000),
			"nested":   map[string]any{"sessionToken": "t", "field": "name"},
		},
	})

	events := repo.SecurityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "high", events[0].Severity)

	var details map[string]any
	require.NoError(t, json.Unmarshal(events[0].Details, &details))
	assert.Equal(t, redacted, details["password"])
	assert.Equal(t, redacted, details["apiKey"])
	assert.Len(t, details["input"], MaxFieldLength)
	nested := details["nested"].(map[string]any)
	assert.Equal(t, redacted, nested["sessionToken"])
	assert.Equal(t, "name", nested["field"])
	assert.NotContains(t, string(events[0].Details), "hunter2")
}

func TestLogSecurityEvent_CriticalCreatesAnomaly(t *testing.T) {
	l, repo, _ := newTestLogger(t)
	ctx := context.Background()

	l.LogSecurityEvent(ctx, Event{Type: EventAccountLocked, Severity: SeverityHigh})
	assert.Empty(t, repo.AnomalyRecords())

	l.LogSecurityEvent(ctx, Event{Type: "privilege_escalation", Severity: SeverityCritical, Description: "role tampering"})
	anomalies := repo.AnomalyRecords()
	require.Len(t, anomalies, 1)
	events := repo.SecurityEvents()
	assert.Equal(t, events[len(events)-1].ID, anomalies[0].SecurityEventID)
	assert.Equal(t, "open", anomalies[0].Status)
}

func TestLogSecurityEvent_DefaultsToMedium(t *testing.T) {
	l, repo, _ := newTestLogger(t)
	l.LogSecurityEvent(context.Background(), Event{Type: EventBreachCheckFailed})
	require.Len(t, repo.SecurityEvents(), 1)
	assert.Equal(t, "medium", repo.SecurityEvents()[0].Severity)
}

func TestLogSecurityEvent_StoreFailureDoesNotPanic(t *testing.T) {
	l, repo, buf := newTestLogger(t)
	repo.SetErr(errors.New("connection refused"))

	assert.NotPanics(t, func() {
		l.LogSecurityEvent(context.Background(), Event{Type: EventCSRFViolation, Severity: SeverityCritical})
		l.LogUserAction(context.Background(), Action{Action: "create", EntityType: "tender"})
	})
	assert.Contains(t, buf.String(), "audit write failed")
}

func TestLogUserAction_SurvivesCancelledRequest(t *testing.T) {
	l, repo, _ := newTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	uid := int64(7)
	l.LogUserAction(ctx, Action{
		UserID:     &uid,
		Action:     "update",
		EntityType: "invoice",
		EntityID:   "INV-1",
		Changes:    map[string]any{"amount": 10, "secret": "s"},
	})

	logs := repo.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "INV-1", *logs[0].EntityID)
	assert.NotContains(t, string(logs[0].Changes), `"s"`)
}

type slowRepo struct {
	repository.MemoryAuditRepository
}

func (s *slowRepo) CreateAuditLog(ctx context.Context, _ *repository.AuditLog) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestLogUserAction_TimesOut(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLogger(&slowRepo{}, slog.New(slog.NewJSONHandler(buf, nil))).WithTimeout(20 * time.Millisecond)

	start := time.Now()
	l.LogUserAction(context.Background(), Action{Action: "delete", EntityType: "supplier"})
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, buf.String(), "deadline exceeded")
}

func TestEventWithRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/tenders", nil)
	req.Header.Set("User-Agent", "probe/1.0")
	user := &repository.User{ID: 42}
	req = req.WithContext(appctx.WithIdentity(req.Context(), user, "sid", "10.0.0.1"))

	ev := Event{Type: EventCSRFViolation}.WithRequest(req)
	assert.Equal(t, "10.0.0.1", ev.IPAddress)
	assert.Equal(t, "probe/1.0", ev.UserAgent)
	assert.Equal(t, "POST /api/tenders", ev.Endpoint)
	require.NotNil(t, ev.UserID)
	assert.Equal(t, int64(42), *ev.UserID)
}

func TestIsSensitiveField(t *testing.T) {
	for _, k := range []string{"password", "newPassword", "csrfToken", "client_secret", "apiKey"} {
		assert.True(t, IsSensitiveField(k), k)
	}
	for _, k := range []string{"name", "email", "amount"} {
		assert.False(t, IsSensitiveField(k), k)
	}
}
