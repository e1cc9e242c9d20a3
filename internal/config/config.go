package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	DatabaseURL string

	ListenAddr string

	// PublicURL is the externally reachable base URL of this service.
	// Push subscriptions and repository webhooks are pointed at it.
	PublicURL string

	// RetentionDays is how long canonical logs are kept before the
	// retention worker removes them. Zero disables expiry.
	RetentionDays int

	LogLevel  string
	LogFormat string

	// UserHeader names the header the fronting auth proxy sets to the
	// authenticated user id.
	UserHeader string

	// ResourcePrefix is embedded in every remote resource name so the
	// orphan sweep can recognise resources created by this service.
	ResourcePrefix string

	// RemoteTimeout bounds every single call to a remote provider,
	// including the OAuth token endpoint.
	RemoteTimeout time.Duration

	// DBTimeout bounds every single database query.
	DBTimeout time.Duration

	// PushToken, when set, must be echoed back by push deliveries.
	PushToken string

	// APIKeyUsageLimit is applied to newly created API keys.
	APIKeyUsageLimit uint

	GCPClientID     string
	GCPClientSecret string

	// GitHubWebhookSecret, when set, is used both for hooks we create and
	// to verify X-Hub-Signature-256 on deliveries.
	GitHubWebhookSecret string
}

// Load reads configuration from environment variables and applies
// defaults.
func Load() *Config {
	cfg := &Config{
		DatabaseURL:         os.Getenv("APP_DATABASE_URL"),
		ListenAddr:          getenv("APP_LISTEN_ADDR", ":8080"),
		PublicURL:           strings.TrimRight(getenv("APP_PUBLIC_URL", ""), "/"),
		RetentionDays:       30,
		LogLevel:            getenv("APP_LOG_LEVEL", "info"),
		LogFormat:           getenv("APP_LOG_FORMAT", "console"),
		UserHeader:          getenv("APP_USER_HEADER", "X-User-ID"),
		ResourcePrefix:      getenv("APP_RESOURCE_PREFIX", "opsdash"),
		RemoteTimeout:       20 * time.Second,
		DBTimeout:           10 * time.Second,
		PushToken:           getenv("APP_PUSH_TOKEN", ""),
		APIKeyUsageLimit:    1000,
		GCPClientID:         getenv("APP_GCP_CLIENT_ID", ""),
		GCPClientSecret:     getenv("APP_GCP_CLIENT_SECRET", ""),
		GitHubWebhookSecret: getenv("APP_GITHUB_WEBHOOK_SECRET", ""),
	}

	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			cfg.RetentionDays = days
		}
	}
	if v := os.Getenv("APP_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RemoteTimeout = d
		}
	}
	if v := os.Getenv("APP_DB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DBTimeout = d
		}
	}
	if v := os.Getenv("APP_API_KEY_USAGE_LIMIT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.APIKeyUsageLimit = uint(n)
		}
	}

	return cfg
}

// GCPCallbackURL is the OAuth redirect registered with the provider.
func (c *Config) GCPCallbackURL() string {
	return c.PublicURL + "/gcp/callback"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
