package sanitizer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procuredesk/guard/internal/audit"
)

type supplierInput struct {
	Name     string            `json:"name" validate:"required,max=100"`
	Email    string            `json:"email" validate:"required,email"`
	Notes    string            `json:"notes" sanitize:"html"`
	Password string            `json:"password" validate:"omitempty,min=8"`
	Raw      string            `json:"raw" sanitize:"-"`
	Tags     []string          `json:"tags"`
	Extra    map[string]any    `json:"extra"`
	Contact  *contactInput     `json:"contact"`
	Labels   map[string]string `json:"labels"`
}

type contactInput struct {
	Phone string `json:"phone" validate:"required"`
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) LogSecurityEvent(_ context.Context, ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestValidateAndSanitize(t *testing.T) {
	v := NewValidator(nil, nil)
	in := &supplierInput{
		Name:     "  Acme\x00   Supplies ",
		Email:    "buyer@acme.example",
		Notes:    `<p onclick="x()">Ships <b>fast</b></p><script>bad()</script>`,
		Password: "  keep me  ",
		Raw:      "  untouched  ",
		Tags:     []string{" a ", "b\tc"},
		Extra:    map[string]any{"note": "  spaced  ", "n": 3, "nested": map[string]any{"x": " y "}, "list": []any{" z "}},
		Contact:  &contactInput{Phone: " 555 0100 "},
		Labels:   map[string]string{"k": " v "},
	}
	require.NoError(t, v.ValidateAndSanitize(in))

	assert.Equal(t, "Acme Supplies", in.Name)
	assert.Equal(t, "<p>Ships <b>fast</b></p>", in.Notes)
	assert.Equal(t, "  keep me  ", in.Password, "credential fields are not altered")
	assert.Equal(t, "  untouched  ", in.Raw)
	assert.Equal(t, []string{"a", "b c"}, in.Tags)
	assert.Equal(t, "spaced", in.Extra["note"])
	assert.Equal(t, 3, in.Extra["n"])
	assert.Equal(t, "y", in.Extra["nested"].(map[string]any)["x"])
	assert.Equal(t, "z", in.Extra["list"].([]any)[0])
	assert.Equal(t, "555 0100", in.Contact.Phone)
	assert.Equal(t, "v", in.Labels["k"])
}

func TestValidateAndSanitize_SchemaErrors(t *testing.T) {
	v := NewValidator(nil, nil)
	err := v.ValidateAndSanitize(&supplierInput{Name: "   ", Email: "not-an-email", Contact: &contactInput{}})

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.False(t, ve.Threat)
	assert.Equal(t, "required", ve.Fields["name"], "whitespace-only input is empty after sanitizing")
	assert.Equal(t, "email", ve.Fields["email"])
	assert.Equal(t, "required", ve.Fields["contact.phone"])
}

func TestValidateAndSanitize_RequiresPointer(t *testing.T) {
	v := NewValidator(nil, nil)
	assert.Error(t, v.ValidateAndSanitize(supplierInput{}))
	var nilPtr *supplierInput
	assert.Error(t, v.ValidateAndSanitize(nilPtr))
}

func TestValidateWithThreatDetection(t *testing.T) {
	tests := []struct {
		name      string
		input     *supplierInput
		eventType string
		field     string
	}{
		{"sql in name", &supplierInput{Name: "x'; DROP TABLE suppliers; --", Email: "a@b.example"}, audit.EventSQLInjection, "name"},
		{"xss in notes", &supplierInput{Name: "ok", Email: "a@b.example", Notes: "<script>alert(1)</script>"}, audit.EventXSSAttempt, "notes"},
		{"xss in map", &supplierInput{Name: "ok", Email: "a@b.example", Extra: map[string]any{"memo": "javascript:alert(1)"}}, audit.EventXSSAttempt, "extra.memo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			v := NewValidator(sink, nil)
			origin := audit.Event{Endpoint: "POST /api/suppliers", IPAddress: "192.0.2.4"}

			err := v.ValidateWithThreatDetection(context.Background(), tt.input, origin)
			require.True(t, IsThreat(err))
			assert.Equal(t, GenericInvalidInput, err.Error(), "payload is never echoed")

			require.Len(t, sink.events, 1)
			ev := sink.events[0]
			assert.Equal(t, tt.eventType, ev.Type)
			assert.Equal(t, audit.SeverityHigh, ev.Severity)
			assert.Equal(t, "POST /api/suppliers", ev.Endpoint)
			assert.Equal(t, "192.0.2.4", ev.IPAddress)
			assert.Equal(t, tt.field, ev.Details["field"])
		})
	}
}

func TestValidateWithThreatDetection_IgnoresCredentials(t *testing.T) {
	sink := &recordingSink{}
	v := NewValidator(sink, nil)
	in := &supplierInput{Name: "Acme", Email: "a@b.example", Password: "x' OR '1'='1"}

	require.NoError(t, v.ValidateWithThreatDetection(context.Background(), in, audit.Event{}))
	assert.Empty(t, sink.events)
}

type searchInput struct {
	Keyword     string         `json:"keyword"`
	SupplierKey string         `json:"supplierKey"`
	TokenCount  string         `json:"tokenCount"`
	NewPassword string         `json:"newPassword"`
	Filters     map[string]any `json:"filters"`
}

func TestValidateWithThreatDetection_KeyLikeFieldsAreScanned(t *testing.T) {
	tests := []struct {
		name      string
		input     *searchInput
		eventType string
		field     string
	}{
		{"keyword", &searchInput{Keyword: "'; DROP TABLE users; --"}, audit.EventSQLInjection, "keyword"},
		{"supplier key", &searchInput{SupplierKey: "<script>alert(1)</script>"}, audit.EventXSSAttempt, "supplierKey"},
		{"token count", &searchInput{TokenCount: "1 UNION SELECT password FROM users"}, audit.EventSQLInjection, "tokenCount"},
		{"map key", &searchInput{Filters: map[string]any{"secretary": "<script>x()</script>"}}, audit.EventXSSAttempt, "filters.secretary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			v := NewValidator(sink, nil)

			err := v.ValidateWithThreatDetection(context.Background(), tt.input, audit.Event{})
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.True(t, ve.Threat)

			require.Len(t, sink.events, 1)
			assert.Equal(t, tt.eventType, sink.events[0].Type)
			assert.Equal(t, tt.field, sink.events[0].Details["field"])
		})
	}
}

func TestValidateAndSanitize_OnlyPasswordFieldsSkipped(t *testing.T) {
	v := NewValidator(nil, nil)
	in := &searchInput{Keyword: "  steel  ", SupplierKey: " S-1\t ", NewPassword: "  p@ss word  "}
	require.NoError(t, v.ValidateAndSanitize(in))

	assert.Equal(t, "steel", in.Keyword)
	assert.Equal(t, "S-1", in.SupplierKey)
	assert.Equal(t, "  p@ss word  ", in.NewPassword)
}

func TestValidateWithThreatDetection_CleanInputIsSanitized(t *testing.T) {
	v := NewValidator(&recordingSink{}, nil)
	in := &supplierInput{Name: "  Acme  ", Email: "a@b.example"}
	require.NoError(t, v.ValidateWithThreatDetection(context.Background(), in, audit.Event{}))
	assert.Equal(t, "Acme", in.Name)
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Message: "Validation failed", Fields: map[string]string{"email": "email"}}
	assert.True(t, strings.HasPrefix(err.Error(), "Validation failed: email"))
}
