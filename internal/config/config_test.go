package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setPortalEnv(t *testing.T) {
	t.Setenv("GREYTHR_URL", "https://acme.greythr.com/")
	t.Setenv("GREYTHR_USERNAME", "emp001")
	t.Setenv("GREYTHR_PASSWORD", "czNjcmV0")
	t.Setenv("ATTENDANCE_STATE_DIR", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	setPortalEnv(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, ModeHTTP, cfg.Mode)
	assert.Equal(t, "0.0.0.0:5000", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Engine.RetryBackoff)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 45*time.Second, cfg.Browser.LoginTimeout)
	assert.Equal(t, []string{"dashboard", "home"}, cfg.Browser.SuccessMarkers)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 3, cfg.Notification.Tries)
	require.NotNil(t, cfg.Location)
	assert.Equal(t, "Asia/Kolkata", cfg.Location.String())
}

func TestFlagsOverrideEnv(t *testing.T) {
	setPortalEnv(t)
	t.Setenv("ATTENDANCE_ADDR", "127.0.0.1:9000")
	t.Setenv("ATTENDANCE_LOG_LEVEL", "warn")

	cfg, err := Load([]string{"-addr", ":7000", "-mode", "both", "-shutdown-grace", "3s", "-timezone", "UTC"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, ModeBoth, cfg.Mode)
	assert.Equal(t, 3*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "warn", cfg.Log.Level, "env applies when no flag is given")
	assert.Equal(t, "UTC", cfg.Location.String())
}

func TestMissingPortalConfigFailsFast(t *testing.T) {
	t.Setenv("ATTENDANCE_STATE_DIR", t.TempDir())
	t.Setenv("GREYTHR_URL", "")
	t.Setenv("GREYTHR_USERNAME", "")
	t.Setenv("GREYTHR_PASSWORD", "")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GREYTHR_URL")
	assert.Contains(t, err.Error(), "GREYTHR_PASSWORD")

	cfg, err := Load([]string{"-disabled"})
	require.NoError(t, err, "a disabled engine needs no portal settings")
	assert.False(t, cfg.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	setPortalEnv(t)
	t.Setenv("ATTENDANCE_WORKERS", "0")
	t.Setenv("ATTENDANCE_TIMEZONE", "Mars/Olympus")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	_, err := Load([]string{"-mode", "grpc"})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid mode")
	assert.Contains(t, msg, "invalid timezone")
	assert.Contains(t, msg, "ATTENDANCE_WORKERS")
	assert.Contains(t, msg, "TELEGRAM_CHAT_ID")
}

func TestLogValueOmitsSecrets(t *testing.T) {
	setPortalEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:supersecret")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	cfg, err := Load(nil)
	require.NoError(t, err)

	rendered := cfg.LogValue().String()
	assert.NotContains(t, rendered, "supersecret")
	assert.NotContains(t, rendered, "czNjcmV0")
	assert.Contains(t, rendered, "acme.greythr.com")
}

func TestLockTTLMustCoverWorstCaseRun(t *testing.T) {
	setPortalEnv(t)
	cfg, err := Load(nil)
	require.NoError(t, err)
	// 3 tries of (30s page + 10s field + 45s login + 30s request), 5s+10s backoff, 30s to finalize.
	assert.Equal(t, 390*time.Second, cfg.WorstCaseRun())
	assert.Greater(t, cfg.Engine.LockTTL, cfg.WorstCaseRun())

	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("ATTENDANCE_LOCK_TTL", "2m")
	_, err = Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ATTENDANCE_LOCK_TTL")

	t.Setenv("ATTENDANCE_LOCK_TTL", "7m")
	_, err = Load(nil)
	assert.NoError(t, err)
}
