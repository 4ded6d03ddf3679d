package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	ServiceName string `validate:"required"`
	Port        string
	DatabaseURL string `validate:"required"`
	RedisURL    string `validate:"required"`

	LogFormat string `validate:"oneof=json console"`
	LogLevel  string

	MetricsNamespace string `validate:"required"`
	TracingEnabled   bool

	TracingEndpoint string  `validate:"required_if=TracingEnabled true"`
	TracingSampling float64 `validate:"gte=0,lte=1"`

	MercadoPago MercadoPago
	Xendit      Xendit

	SignatureTolerance  time.Duration `validate:"gt=0"`
	GatewayTimeout      time.Duration `validate:"gt=0"`
	BreakerMinRequests  int           `validate:"gte=1"`
	BreakerFailureRatio float64       `validate:"gt=0,lte=1"`
	BreakerOpenFor      time.Duration `validate:"gt=0"`

	WebhookBodyLimit int64  `validate:"gt=0"`
	WebhookRateLimit string `validate:"required"`
	TrustProxy       bool

	LedgerStaleAfter  time.Duration `validate:"gt=0"`
	SweepSchedule     string        `validate:"required"`
	ReplayLockTTL     time.Duration `validate:"gt=0"`
	ReplayQueue       string        `validate:"required"`
	WorkerConcurrency int           `validate:"gte=1"`
	WorkerMetricsAddr string

	AdminJWTSecret    string
	AdminJWTIssuer    string
	AdminJWTAudience  string
	AdminCORSOrigins  []string
	PprofUser         string
	PprofPasswordHash string

	MigrateOnStart  bool
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// MercadoPago carries credentials for the primary gateway.
type MercadoPago struct {
	BaseURL       string `validate:"required,url"`
	AccessToken   string
	WebhookSecret string
}

// Xendit carries credentials for the secondary gateway.
type Xendit struct {
	CallbackSecret string
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		ServiceName: valueOrDefault(k.String("SERVICE_NAME"), "payments-reconciler"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		LogFormat: strings.ToLower(valueOrDefault(k.String("OBS_LOG_FORMAT"), "json")),
		LogLevel:  valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),

		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "payments"),
		TracingEnabled:   parseBool(k.String("OBS_TRACING_ENABLED")),
		TracingEndpoint:  k.String("OBS_TRACING_ENDPOINT"),
		TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLER_RATIO"), 0.1),

		MercadoPago: MercadoPago{
			BaseURL:       valueOrDefault(k.String("MERCADOPAGO_BASE_URL"), "https://api.mercadopago.com"),
			AccessToken:   k.String("MERCADOPAGO_ACCESS_TOKEN"),
			WebhookSecret: k.String("MERCADOPAGO_WEBHOOK_SECRET"),
		},
		Xendit: Xendit{
			CallbackSecret: k.String("XENDIT_CALLBACK_SECRET"),
		},

		SignatureTolerance:  parseDuration(k.String("WEBHOOK_SIGNATURE_TOLERANCE"), "5m"),
		GatewayTimeout:      parseDuration(k.String("GATEWAY_TIMEOUT"), "3s"),
		BreakerMinRequests:  parseInt(k.String("GATEWAY_BREAKER_MIN_REQUESTS"), 20),
		BreakerFailureRatio: parseFloat(k.String("GATEWAY_BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("GATEWAY_BREAKER_OPEN_FOR"), "30s"),

		WebhookBodyLimit: int64(parseInt(k.String("WEBHOOK_BODY_LIMIT_BYTES"), 1<<20)),
		WebhookRateLimit: valueOrDefault(k.String("WEBHOOK_RATE_LIMIT"), "600-M"),
		TrustProxy:       parseBool(k.String("TRUST_PROXY_HEADERS")),

		LedgerStaleAfter:  parseDuration(k.String("LEDGER_STALE_AFTER"), "15m"),
		SweepSchedule:     valueOrDefault(k.String("LEDGER_SWEEP_SCHEDULE"), "@every 5m"),
		ReplayLockTTL:     parseDuration(k.String("REPLAY_LOCK_TTL"), "30s"),
		ReplayQueue:       valueOrDefault(k.String("REPLAY_QUEUE"), "replay"),
		WorkerConcurrency: parseInt(k.String("WORKER_CONCURRENCY"), 4),
		WorkerMetricsAddr: valueOrDefault(k.String("WORKER_METRICS_ADDR"), ":9091"),

		AdminJWTSecret:    k.String("ADMIN_JWT_SECRET"),
		AdminJWTIssuer:    valueOrDefault(k.String("ADMIN_JWT_ISSUER"), "payments-admin"),
		AdminJWTAudience:  valueOrDefault(k.String("ADMIN_JWT_AUDIENCE"), "payments-reconciler"),
		AdminCORSOrigins:  splitAndTrim(k.String("ADMIN_CORS_ALLOWED_ORIGINS")),
		PprofUser:         k.String("PPROF_USER"),
		PprofPasswordHash: k.String("PPROF_PASSWORD_HASH"),

		MigrateOnStart:  parseBool(k.String("MIGRATE_ON_START")),
		ShutdownTimeout: parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// AdminEnabled reports whether the operator API should be mounted.
func (c *Config) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminJWTSecret) != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
