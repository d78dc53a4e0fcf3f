package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	PublicBaseURL      string
	DatabaseURL        string
	DBAutoMigrate      bool
	RedisURL           string
	CORSAllowedOrigins []string
	OperatorJWTSecret  string
	OperatorJWTIssuer  string
	OperatorAudience   string

	Gateway Gateway

	PayPalAPIBase        string
	PayPalTimeout        time.Duration
	BreakerMinRequests   int
	BreakerFailureRatio  float64
	BreakerOpenFor       time.Duration
	CallbackLockTTL      time.Duration
	CallbackRateLimit    string
	IdempotencyTTL       time.Duration
	CartCookieName       string
	CartKeyPrefix        string
	ShutdownGracePeriod  time.Duration
	MaxBodyBytes         int64
	WebhookURL           string
	WebhookSecret        string
	WebhookTimeout       time.Duration
	HSTSEnabled          bool
	LogFormat            string
	LogLevel             string
	MetricsNamespace     string
	MetricsEnabled       bool
	TracingEnabled       bool
	TracingExporter      string
	TracingEndpoint      string
	TracingSamplingRatio float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	publicBase := strings.TrimRight(valueOrDefault(k.String("PUBLIC_BASE_URL"), "http://localhost:8080"), "/")
	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		PublicBaseURL:      publicBase,
		DatabaseURL:        k.String("DATABASE_URL"),
		DBAutoMigrate:      parseBool(k.String("DB_AUTO_MIGRATE")),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		OperatorJWTSecret:  k.String("OPERATOR_JWT_SECRET"),
		OperatorJWTIssuer:  valueOrDefault(k.String("OPERATOR_JWT_ISSUER"), "toko-admin"),
		OperatorAudience:   valueOrDefault(k.String("OPERATOR_JWT_AUDIENCE"), "toko-paygate"),
		Gateway: Gateway{
			Enabled:            parseCheckbox(k.String("PGATEWC_ENABLED"), false),
			Description:        valueOrDefault(k.String("PGATEWC_DESCRIPTION"), DefaultDescription),
			Sandbox:            parseCheckbox(k.String("PGATEWC_SANDBOX"), true),
			CheckoutButtonText: valueOrDefault(k.String("PGATEWC_CHECKOUT_BUTTON_TEXT"), DefaultCheckoutButtonText),
			ClientID:           strings.TrimSpace(k.String("PAYPAL_CLIENT_ID")),
			ClientSecret:       strings.TrimSpace(k.String("PAYPAL_CLIENT_SECRET")),
			ReturnURL:          valueOrDefault(k.String("PGATEWC_RETURN_URL"), publicBase+"/paypal/callback"),
			CheckoutURL:        valueOrDefault(k.String("PGATEWC_CHECKOUT_URL"), publicBase+"/checkout"),
			OrderReceivedURL:   valueOrDefault(k.String("PGATEWC_ORDER_RECEIVED_URL"), publicBase+"/checkout/order-received"),
		},
		PayPalAPIBase:        strings.TrimSpace(k.String("PAYPAL_API_BASE")),
		PayPalTimeout:        parseDuration(k.String("PAYPAL_TIMEOUT"), "15s"),
		BreakerMinRequests:   intOrDefault(k, "PAYPAL_BREAKER_MIN_REQUESTS", 10),
		BreakerFailureRatio:  floatOrDefault(k, "PAYPAL_BREAKER_FAILURE_RATIO", 0.5),
		BreakerOpenFor:       parseDuration(k.String("PAYPAL_BREAKER_OPEN_FOR"), "30s"),
		CallbackLockTTL:      parseDuration(k.String("CALLBACK_LOCK_TTL"), "45s"),
		CallbackRateLimit:    valueOrDefault(k.String("CALLBACK_RATE_LIMIT"), "60-M"),
		IdempotencyTTL:       parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		CartCookieName:       valueOrDefault(k.String("CART_COOKIE_NAME"), "cart_session"),
		CartKeyPrefix:        valueOrDefault(k.String("CART_KEY_PREFIX"), "cart:"),
		ShutdownGracePeriod:  parseDuration(k.String("SHUTDOWN_GRACE_PERIOD"), "10s"),
		WebhookURL:           strings.TrimSpace(k.String("NOTIFY_WEBHOOK_URL")),
		WebhookSecret:        k.String("NOTIFY_WEBHOOK_SECRET"),
		WebhookTimeout:       parseDuration(k.String("NOTIFY_WEBHOOK_TIMEOUT"), "5s"),
		MaxBodyBytes:         int64(intOrDefault(k, "HTTP_MAX_BODY_BYTES", 64<<10)),
		HSTSEnabled:          parseBool(k.String("SECURITY_ENABLE_HSTS")),
		LogFormat:            valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:             valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace:     valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "paygate"),
		MetricsEnabled:       parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		TracingEnabled:       parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
		TracingExporter:      valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
		TracingEndpoint:      k.String("OBS_OTLP_ENDPOINT"),
		TracingSamplingRatio: floatOrDefault(k, "OBS_TRACING_SAMPLING_RATIO", 1.0),
	}

	if path := strings.TrimSpace(k.String("PGATEWC_SETTINGS_FILE")); path != "" {
		values, err := readSettingsFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Gateway = GatewayFromMap(values, cfg.Gateway)
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.OperatorJWTSecret == "" {
		return nil, errors.New("OPERATOR_JWT_SECRET is required")
	}
	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		return nil, errors.New("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}

	return cfg, nil
}

// readSettingsFile loads an exported gateway settings record, a flat JSON object keyed like the
// storefront's option row (enabled, sandbox, client_id, ...).
func readSettingsFile(path string) (map[string]any, error) {
	fk := koanf.New(".")
	if err := fk.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, fmt.Errorf("load gateway settings %s: %w", path, err)
	}
	return fk.Raw(), nil
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
		return strings.TrimSpace(value)
	}
	return fallback
}

func intOrDefault(k *koanf.Koanf, key string, fallback int) int {
	if !k.Exists(key) || strings.TrimSpace(k.String(key)) == "" {
		return fallback
	}
	if v := k.Int(key); v > 0 {
		return v
	}
	return fallback
}

func floatOrDefault(k *koanf.Koanf, key string, fallback float64) float64 {
	if !k.Exists(key) || strings.TrimSpace(k.String(key)) == "" {
		return fallback
	}
	if v := k.Float64(key); v > 0 {
		return v
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
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
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
