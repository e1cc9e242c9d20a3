package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_DATABASE_URL", "postgres://localhost/opsdash")
	t.Setenv("APP_PUBLIC_URL", "https://ops.example.com/")

	cfg := Load()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "https://ops.example.com", cfg.PublicURL)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, "X-User-ID", cfg.UserHeader)
	assert.Equal(t, "opsdash", cfg.ResourcePrefix)
	assert.Equal(t, 20*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 10*time.Second, cfg.DBTimeout)
	assert.Equal(t, uint(1000), cfg.APIKeyUsageLimit)
	assert.Equal(t, "https://ops.example.com/gcp/callback", cfg.GCPCallbackURL())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_RETENTION_DAYS", "7")
	t.Setenv("APP_REMOTE_TIMEOUT", "5s")
	t.Setenv("APP_DB_TIMEOUT", "2s")
	t.Setenv("APP_API_KEY_USAGE_LIMIT", "50")
	t.Setenv("APP_RESOURCE_PREFIX", "acme")

	cfg := Load()

	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 5*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 2*time.Second, cfg.DBTimeout)
	assert.Equal(t, uint(50), cfg.APIKeyUsageLimit)
	assert.Equal(t, "acme", cfg.ResourcePrefix)
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("APP_RETENTION_DAYS", "-3")
	t.Setenv("APP_REMOTE_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 20*time.Second, cfg.RemoteTimeout)
}
