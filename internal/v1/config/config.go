package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	JWTSecret          string
	Port               string
	RedisAddr          string
	BackendBaseURL     string
	BackendInternalKey string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	RedisPassword   string
	DevelopmentMode bool
	AllowedOrigins  string
	RelayChannel    string
	NodeID          string

	// Auth
	AuthMaxTokenAge time.Duration
	JWKSDomain      string
	JWKSAudience    string

	// SFU / media
	SFUWorkerCount int
	STUNServer     string
	PublicIP       string

	// Background loops
	GiftFlushInterval time.Duration
	GiftMaxRetries    int
	AutoClosePoll     time.Duration
	InactivityTTL     time.Duration

	// Rate limits (capacity-window format, e.g. "30-M")
	RateLimitChat        string
	RateLimitGift        string
	RateLimitGiftPrepare string
	RateLimitGetRoom     string
	RateLimitWsIP        string
	RateLimitWsUser      string

	// Tracing
	OTLPEndpoint string
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid; the process must not start on a partial configuration.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	// Required: REDIS_ADDR. The shared store backs seats, indices and queues.
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		errs = append(errs, "REDIS_ADDR is required")
	} else if !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Required: BACKEND_BASE_URL + BACKEND_INTERNAL_KEY
	cfg.BackendBaseURL = os.Getenv("BACKEND_BASE_URL")
	if cfg.BackendBaseURL == "" {
		errs = append(errs, "BACKEND_BASE_URL is required")
	} else if u, err := url.Parse(cfg.BackendBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("BACKEND_BASE_URL must be an absolute URL (got %q)", cfg.BackendBaseURL))
	}
	cfg.BackendInternalKey = os.Getenv("BACKEND_INTERNAL_KEY")
	if cfg.BackendInternalKey == "" {
		errs = append(errs, "BACKEND_INTERNAL_KEY is required")
	}

	// Optional with defaults
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.RelayChannel = getEnvOrDefault("RELAY_CHANNEL", "backend:events")
	cfg.NodeID = getEnvOrDefault("NODE_ID", hostnameOrDefault())

	cfg.JWKSDomain = os.Getenv("JWKS_DOMAIN")
	cfg.JWKSAudience = os.Getenv("JWKS_AUDIENCE")

	var err error
	if cfg.AuthMaxTokenAge, err = parseDuration("AUTH_MAX_TOKEN_AGE", 24*time.Hour); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.GiftFlushInterval, err = parseDuration("GIFT_FLUSH_INTERVAL", 500*time.Millisecond); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.AutoClosePoll, err = parseDuration("AUTO_CLOSE_POLL_INTERVAL", 30*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.InactivityTTL, err = parseDuration("ROOM_INACTIVITY_TTL", 30*time.Second); err != nil {
		errs = append(errs, err.Error())
	}

	cfg.GiftMaxRetries = 3
	if v := os.Getenv("GIFT_MAX_RETRIES"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("GIFT_MAX_RETRIES must be a positive integer (got %q)", v))
		} else {
			cfg.GiftMaxRetries = n
		}
	}

	cfg.SFUWorkerCount = 2
	if v := os.Getenv("SFU_WORKER_COUNT"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("SFU_WORKER_COUNT must be a positive integer (got %q)", v))
		} else {
			cfg.SFUWorkerCount = n
		}
	}
	cfg.STUNServer = os.Getenv("STUN_SERVER")
	cfg.PublicIP = os.Getenv("PUBLIC_IP")

	// Rate limits (capacity-window; M = minute, S = second)
	cfg.RateLimitChat = getEnvOrDefault("RATE_LIMIT_CHAT", "30-M")
	cfg.RateLimitGift = getEnvOrDefault("RATE_LIMIT_GIFT", "20-M")
	cfg.RateLimitGiftPrepare = getEnvOrDefault("RATE_LIMIT_GIFT_PREPARE", "60-M")
	cfg.RateLimitGetRoom = getEnvOrDefault("RATE_LIMIT_GET_ROOM", "120-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	port, err := strconv.Atoi(portStr)
	return err == nil && port >= 1 && port <= 65535
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (got %q)", key, v)
	}
	return d, nil
}

func hostnameOrDefault() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node-0"
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"backend_base_url", cfg.BackendBaseURL,
		"backend_internal_key", redactSecret(cfg.BackendInternalKey),
		"relay_channel", cfg.RelayChannel,
		"node_id", cfg.NodeID,
		"sfu_worker_count", cfg.SFUWorkerCount,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
