package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactsSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")
	logger.Info("login", "username", "emp001", "password", "s3cret", "session_cookie", "abc", "bot_token", "123:x")

	out := buf.String()
	assert.Contains(t, out, "username=emp001")
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "abc")
	assert.NotContains(t, out, "123:x")
	assert.Contains(t, out, "password="+redacted)
}

func TestJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "JSON")
	logger.Info("hidden")
	logger.Warn("shown", "Authorization", "Bearer x")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, redacted, entry["Authorization"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}
