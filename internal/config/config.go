package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port         string
	PublicURL    string
	LandingPath  string
	CookieSecure bool

	// Storage
	StorageBackend string
	SQLiteDBPath   string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Identity provider
	IdentityURL          string
	IdentityRealm        string
	IdentityClientID     string
	IdentityClientSecret string
	AdminClientID        string
	AdminClientSecret    string
	VerifyAccessTokens   bool
	FederatedProviders   []string

	// Session
	StateSecret          string
	TokenRefreshLeeway   time.Duration
	SessionSweepInterval time.Duration
	SessionIdleTimeout   time.Duration
	RequestTimeout       time.Duration

	// AMQP (optional, empty URL disables auth events)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Audit worker
	AuditRetention     time.Duration
	AuditPruneInterval time.Duration

	// Logging
	LogLevel  string
	LogFile   string
	LogFormat string

	// Error reporting (optional, empty DSN disables Sentry)
	SentryDSN         string
	SentryEnvironment string

	// Rate limiting
	RateLimitPerMinute int
	// CORSAllowedOrigins lists front-end origins allowed to call the API
	// with credentials.
	CORSAllowedOrigins []string

	// TrustedProxies are extra CIDRs whose forwarding headers are believed.
	TrustedProxies []string
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8081"),
		PublicURL:    getEnv("PUBLIC_URL", "http://localhost:8081"),
		LandingPath:  getEnv("LANDING_PATH", "/dashboard"),
		CookieSecure: getEnvBool("COOKIE_SECURE", false),

		StorageBackend: getEnv("STORAGE_BACKEND", "memory"),
		SQLiteDBPath:   getEnv("SQLITE_DB_PATH", "./data/cashmanager.db"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),

		IdentityURL:          strings.TrimRight(getEnv("IDENTITY_URL", "http://localhost:9090"), "/"),
		IdentityRealm:        getEnv("IDENTITY_REALM", "cash-manager"),
		IdentityClientID:     getEnv("IDENTITY_CLIENT_ID", "cash-manager-frontend"),
		IdentityClientSecret: getEnv("IDENTITY_CLIENT_SECRET", ""),
		AdminClientID:        getEnv("IDENTITY_ADMIN_CLIENT_ID", ""),
		AdminClientSecret:    getEnv("IDENTITY_ADMIN_CLIENT_SECRET", ""),
		VerifyAccessTokens:   getEnvBool("IDENTITY_VERIFY_TOKENS", true),
		FederatedProviders:   getEnvList("IDENTITY_FEDERATED_PROVIDERS", []string{"google", "github"}),

		StateSecret:          getEnv("STATE_SECRET", ""),
		TokenRefreshLeeway:   getEnvDuration("TOKEN_REFRESH_LEEWAY", 30*time.Second),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		SessionIdleTimeout:   getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		RequestTimeout:       getEnvDuration("IDENTITY_REQUEST_TIMEOUT", 10*time.Second),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "cashmanager"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "auth_events"),

		AuditRetention:     getEnvDuration("AUDIT_RETENTION", 90*24*time.Hour),
		AuditPruneInterval: getEnvDuration("AUDIT_PRUNE_INTERVAL", time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFile:   getEnv("LOG_FILE", ""),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		SentryDSN:         getEnv("SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", "development"),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
		TrustedProxies:     getEnvList("TRUSTED_PROXIES", nil),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("invalid public URL '%s': must be an absolute URL", c.PublicURL))
	}

	if !strings.HasPrefix(c.LandingPath, "/") {
		errors = append(errors, fmt.Sprintf("invalid landing path '%s': must start with '/'", c.LandingPath))
	}

	// Validate storage backend
	validBackends := []string{"memory", "sqlite", "redis"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.StorageBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid storage backend '%s': must be one of %v", c.StorageBackend, validBackends))
	}

	if c.StorageBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.StorageBackend == "redis" && c.RedisAddr == "" {
		errors = append(errors, "Redis address cannot be empty when using redis backend")
	}

	// Validate identity provider
	if u, err := url.Parse(c.IdentityURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errors = append(errors, fmt.Sprintf("invalid identity URL '%s': must be an http(s) URL", c.IdentityURL))
	}
	if c.IdentityRealm == "" {
		errors = append(errors, "identity realm cannot be empty")
	}
	if c.IdentityClientID == "" {
		errors = append(errors, "identity client ID cannot be empty")
	}
	if (c.AdminClientID == "") != (c.AdminClientSecret == "") {
		errors = append(errors, "IDENTITY_ADMIN_CLIENT_ID and IDENTITY_ADMIN_CLIENT_SECRET must be set together")
	}
	for _, p := range c.FederatedProviders {
		if p != "google" && p != "github" {
			errors = append(errors, fmt.Sprintf("unsupported federated provider '%s': must be google or github", p))
		}
	}

	if c.StateSecret != "" && len(c.StateSecret) < 32 {
		errors = append(errors, "state secret must be at least 32 characters")
	}

	if c.TokenRefreshLeeway < time.Second || c.TokenRefreshLeeway > 5*time.Minute {
		errors = append(errors, fmt.Sprintf("invalid token refresh leeway %v: must be between 1s and 5m", c.TokenRefreshLeeway))
	}
	if c.SessionSweepInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid session sweep interval %v: must be at least 1 second", c.SessionSweepInterval))
	}
	if c.SessionIdleTimeout < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid session idle timeout %v: must be at least 1 minute", c.SessionIdleTimeout))
	}
	if c.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid identity request timeout %v: must be positive", c.RequestTimeout))
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.AuditRetention < time.Hour {
		errors = append(errors, fmt.Sprintf("invalid audit retention %v: must be at least 1 hour", c.AuditRetention))
	}
	if c.AuditPruneInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid audit prune interval %v: must be at least 1 minute", c.AuditPruneInterval))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be debug, info, warn or error", c.LogLevel))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be text or json", c.LogFormat))
	}

	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1", c.RateLimitPerMinute))
	}

	for _, origin := range c.CORSAllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") {
			errors = append(errors, fmt.Sprintf("invalid CORS origin '%s': must be scheme://host[:port]", origin))
		}
	}

	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid trusted proxy '%s': must be a CIDR", cidr))
		}
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// AdminEnabled reports whether self-registration through the admin API is configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminClientID != "" && c.AdminClientSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
