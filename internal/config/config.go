package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Persistence backend: "sqlite" or "redis"
	StoreBackend string
	DBPath       string
	RedisAddr    string
	RedisPrefix  string

	// Security
	EncryptionKey string
	APIKey        string
	AdminKey      string

	// Kiro upstream
	KiroRegion          string
	KiroCodeWhispererURL string
	KiroRefreshSocialURL string
	KiroRefreshIdCURL    string
	ProfileARN           string

	// Scheduling
	UserAffinityTTL     time.Duration
	TokenRefreshAdvance time.Duration
	TokenExpiringSoon   time.Duration

	// Background refresh
	RefreshLookAhead   time.Duration
	RefreshInterval    time.Duration
	RefreshBatchSize   int
	RefreshConcurrency int

	// Proactive rate limiting
	RateLimitDailyCap     int
	RateLimitMinInterval  time.Duration
	RateLimitMaxInterval  time.Duration
	RateLimitJitter       time.Duration
	RateLimitBackoffBase  time.Duration
	RateLimitBackoffMax   time.Duration
	SuspendBackoff        time.Duration

	// Model-unavailable handling
	ModelUnavailableRecovery time.Duration

	// Request
	RequestTimeout   time.Duration
	MaxRequestBodyMB int
	MaxCacheControls int

	// Compression thresholds
	CompressionTriggerBytes int
	ToolResultHeadLines     int
	ToolResultTailLines     int
	ToolResultHardCap       int
	MinDescriptionFloor     int

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		StoreBackend: envOr("STORE_BACKEND", "sqlite"),
		DBPath:       envOr("DB_PATH", "./kiro-relay.db"),
		RedisAddr:    envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPrefix:  envOr("REDIS_PREFIX", "kirorelay:"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		APIKey:        os.Getenv("API_KEY"),
		AdminKey:      os.Getenv("ADMIN_KEY"),

		KiroRegion:           envOr("KIRO_REGION", "us-east-1"),
		KiroCodeWhispererURL: envOr("KIRO_CODEWHISPERER_URL", "https://q.us-east-1.amazonaws.com"),
		KiroRefreshSocialURL: envOr("KIRO_REFRESH_SOCIAL_URL", "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"),
		KiroRefreshIdCURL:    envOr("KIRO_REFRESH_IDC_URL", "https://oidc.us-east-1.amazonaws.com/token"),
		ProfileARN:           os.Getenv("KIRO_PROFILE_ARN"),

		UserAffinityTTL:     envDuration("USER_AFFINITY_TTL", 30*time.Minute),
		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE", 5*time.Minute),
		TokenExpiringSoon:   envDuration("TOKEN_EXPIRING_SOON", 10*time.Minute),

		RefreshLookAhead:   envDuration("REFRESH_LOOK_AHEAD", 15*time.Minute),
		RefreshInterval:    envDuration("REFRESH_INTERVAL", 2*time.Minute),
		RefreshBatchSize:   envInt("REFRESH_BATCH_SIZE", 10),
		RefreshConcurrency: envInt("REFRESH_CONCURRENCY", 4),

		RateLimitDailyCap:    envInt("RATE_LIMIT_DAILY_CAP", 0), // 0 = unlimited
		RateLimitMinInterval: envDuration("RATE_LIMIT_MIN_INTERVAL", 500*time.Millisecond),
		RateLimitMaxInterval: envDuration("RATE_LIMIT_MAX_INTERVAL", 3*time.Second),
		RateLimitJitter:      envDuration("RATE_LIMIT_JITTER", 250*time.Millisecond),
		RateLimitBackoffBase: envDuration("RATE_LIMIT_BACKOFF_BASE", 200*time.Millisecond),
		RateLimitBackoffMax:  envDuration("RATE_LIMIT_BACKOFF_MAX", 2*time.Second),
		SuspendBackoff:       envDuration("SUSPEND_BACKOFF", time.Hour),

		ModelUnavailableRecovery: envDuration("MODEL_UNAVAILABLE_RECOVERY", 5*time.Minute),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 5*time.Minute),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxCacheControls: envInt("MAX_CACHE_CONTROLS", 4),

		CompressionTriggerBytes: envInt("COMPRESSION_TRIGGER_BYTES", 180_000),
		ToolResultHeadLines:     envInt("TOOL_RESULT_HEAD_LINES", 20),
		ToolResultTailLines:     envInt("TOOL_RESULT_TAIL_LINES", 10),
		ToolResultHardCap:       envInt("TOOL_RESULT_HARD_CAP", 4_000),
		MinDescriptionFloor:     envInt("MIN_DESCRIPTION_FLOOR", 50),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.APIKey == "" {
		return errMissing("API_KEY")
	}
	if c.AdminKey == "" {
		return errMissing("ADMIN_KEY")
	}
	if c.StoreBackend != "sqlite" && c.StoreBackend != "redis" {
		return errMissing("STORE_BACKEND (must be sqlite or redis)")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
