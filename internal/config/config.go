package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const (
	defaultConfirmURL     = "http://localhost:3000/api/payments/confirm"
	defaultAllowedOrigins = "http://localhost:3000"
	defaultPaymongoBase   = "https://api.paymongo.com"
)

// Config holds application configuration loaded from the environment. It is
// built once at startup and treated as read-only afterwards.
type Config struct {
	AppEnv string
	Port   string

	PaymongoSecretKey    string
	PaymongoPublicKey    string
	WebhookSigningSecret string
	PaymongoBaseURL      string
	PaymongoTimeout      time.Duration

	ConfirmURL           string
	ConfirmTimeout       time.Duration
	ConfirmSigningSecret string

	CORSAllowedOrigins []string

	WebhookMaxBodyBytes int64
	CheckoutRatePerMin  int
	RedisURL            string
	ShutdownTimeout     time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:               valueOrDefault(k.String("APP_ENV"), "development"),
		Port:                 valueOrDefault(k.String("PORT"), "8081"),
		PaymongoSecretKey:    strings.TrimSpace(k.String("PAYMONGO_SECRET_KEY")),
		PaymongoPublicKey:    strings.TrimSpace(k.String("PAYMONGO_PUBLIC_KEY")),
		WebhookSigningSecret: strings.TrimSpace(k.String("PAYMONGO_WEBHOOK_SIGNING_SECRET")),
		PaymongoBaseURL:      strings.TrimRight(valueOrDefault(k.String("PAYMONGO_BASE_URL"), defaultPaymongoBase), "/"),
		PaymongoTimeout:      parseDuration(k.String("PAYMONGO_TIMEOUT"), "30s"),
		ConfirmURL:           strings.TrimSpace(valueOrDefault(k.String("NEXT_INTERNAL_CONFIRM_URL"), defaultConfirmURL)),
		ConfirmTimeout:       parseDuration(k.String("CONFIRM_TIMEOUT"), "20s"),
		ConfirmSigningSecret: strings.TrimSpace(k.String("CONFIRM_SIGNING_SECRET")),
		CORSAllowedOrigins:   splitAndTrim(valueOrDefault(k.String("ALLOWED_ORIGINS"), defaultAllowedOrigins)),
		WebhookMaxBodyBytes:  parseInt64(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20),
		CheckoutRatePerMin:   int(parseInt64(k.String("RATE_LIMIT_CHECKOUT_PER_MIN"), 60)),
		RedisURL:             strings.TrimSpace(k.String("REDIS_URL")),
		ShutdownTimeout:      parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
	}

	if cfg.PaymongoSecretKey == "" {
		return nil, errors.New("PAYMONGO_SECRET_KEY is required")
	}
	if err := validateURL(cfg.ConfirmURL); err != nil {
		return nil, fmt.Errorf("NEXT_INTERNAL_CONFIRM_URL: %w", err)
	}
	if err := validateURL(cfg.PaymongoBaseURL); err != nil {
		return nil, fmt.Errorf("PAYMONGO_BASE_URL: %w", err)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8081"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// VerificationEnabled reports whether inbound webhooks are authenticated.
func (c *Config) VerificationEnabled() bool {
	return c.WebhookSigningSecret != ""
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("url must include host")
	}
	return nil
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
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt64(value string, fallback int64) int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
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
