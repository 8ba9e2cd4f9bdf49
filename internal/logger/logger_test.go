package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestSensitiveAttributesAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	log.Info("login", "user_password", "hunter2", "session_token", "abc", "user_id", 42)

	entry := decode(t, &buf)
	assert.Equal(t, redacted, entry["user_password"])
	assert.Equal(t, redacted, entry["session_token"])
	assert.Equal(t, float64(42), entry["user_id"])
}

func TestRedactionInsideGroups(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Format: "json"}, &buf)

	log.Info("request", slog.Group("headers", slog.String("Cookie", "guard_session=abc"), slog.String("Accept", "*/*")))

	headers, ok := decode(t, &buf)["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, redacted, headers["Cookie"])
	assert.Equal(t, "*/*", headers["Accept"])
}

func TestCorrelationIDFromContext(t *testing.T) {
	ctx := SetCorrelationID(context.Background(), "req-1")
	assert.Equal(t, "req-1", GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))

	var buf bytes.Buffer
	log := NewWithWriter(Config{Format: "json"}, &buf).With("component", "csrf")
	log.InfoContext(ctx, "token rejected")

	entry := decode(t, &buf)
	assert.Equal(t, "req-1", entry["correlation_id"])
	assert.Equal(t, "csrf", entry["component"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	cfg := DefaultConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestIsSensitiveKey(t *testing.T) {
	cases := map[string]bool{
		"password":      true,
		"X-CSRF-Token":  true,
		"client_secret": true,
		"Cookie":        true,
		"passwordSalt":  true,
		"email":         false,
		"module":        false,
	}
	for key, want := range cases {
		assert.Equal(t, want, IsSensitiveKey(key), key)
	}
}
