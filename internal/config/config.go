package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	GPSAPIBaseURL     string
	GPSRequestTimeout time.Duration
	ReportArrivals    bool

	RoutesFile    string
	TrackedRoutes []string
	PollInterval  time.Duration

	ArrivalRadiusMeters   float64
	JumpRejectionMeters   float64
	DelayThresholdMinutes int
	EarlyThresholdMinutes int
	Location              *time.Location
	DailyReset            bool

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	NATSURL     string
	NATSSubject string

	DatabaseURL string

	MetricsAddr string

	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	RateLimitWhitelist []string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	baseURL := os.Getenv("GPS_API_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("GPS_API_URL environment variable is required")
	}

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		GPSAPIBaseURL:     baseURL,
		GPSRequestTimeout: getDurationEnv("GPS_REQUEST_TIMEOUT", 5*time.Second),
		ReportArrivals:    getBoolEnv("REPORT_ARRIVALS", true),

		RoutesFile:    getEnv("ROUTES_FILE", ""),
		TrackedRoutes: getCSVEnv("TRACKED_ROUTES"),
		PollInterval:  getDurationEnv("POLL_INTERVAL", 10*time.Second),

		ArrivalRadiusMeters:   getFloatEnv("ARRIVAL_RADIUS_METERS", 50),
		JumpRejectionMeters:   getFloatEnv("JUMP_REJECTION_METERS", 100),
		DelayThresholdMinutes: getIntEnv("DELAY_THRESHOLD_MINUTES", 5),
		EarlyThresholdMinutes: getIntEnv("EARLY_THRESHOLD_MINUTES", -2),
		DailyReset:            getBoolEnv("DAILY_RESET", true),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		CacheTTL:      getDurationEnv("CACHE_TTL", 24*time.Hour),

		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("NATS_SUBJECT_PREFIX", "arrivals"),

		DatabaseURL: firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")),

		MetricsAddr: getEnv("METRICS_ADDR", ""),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	// POLL_INTERVAL_MS takes precedence over POLL_INTERVAL
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL_MS: %q", v)
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}

	tzName := getEnv("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %w", err)
		}
		cfg.Location = loc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects tunables the tracker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.ArrivalRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("ARRIVAL_RADIUS_METERS must be positive, got %g", c.ArrivalRadiusMeters))
	}
	if c.JumpRejectionMeters <= 0 {
		errs = append(errs, fmt.Errorf("JUMP_REJECTION_METERS must be positive, got %g", c.JumpRejectionMeters))
	}
	if c.EarlyThresholdMinutes > c.DelayThresholdMinutes {
		errs = append(errs, fmt.Errorf("EARLY_THRESHOLD_MINUTES (%d) exceeds DELAY_THRESHOLD_MINUTES (%d)",
			c.EarlyThresholdMinutes, c.DelayThresholdMinutes))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
