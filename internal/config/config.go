package config

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every knob the trust core reads. Values come from the
// environment; an optional env file can seed missing variables.
type Config struct {
	Profile  string
	HTTPAddr string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	SessionTimeout          time.Duration
	SessionRotationInterval time.Duration
	SessionCookieSecure     bool

	CSRFTokenLifetime time.Duration
	CSRFTokenCap      int

	OTPCodeTTL      time.Duration
	ChallengeSecret string
	ChallengeTTL    time.Duration

	RememberTokenTTL time.Duration

	IdentifierPepper string

	LoginIPMaxAttempts    int
	LoginIPWindow         time.Duration
	LoginIPBlock          time.Duration
	LoginEmailMaxAttempts int
	LoginEmailWindow      time.Duration
	LoginEmailBlock       time.Duration

	PermissionCacheTTL time.Duration

	AWSRegion          string
	EmailSender        string
	OTPDeliveryChannel string

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration

	ShutdownTimeout time.Duration
}

func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{
		Profile:  getEnv("APP_PROFILE", "dev"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),

		ChallengeSecret:  os.Getenv("TWO_FACTOR_CHALLENGE_SECRET"),
		IdentifierPepper: os.Getenv("IDENTIFIER_PEPPER"),

		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		EmailSender:        getEnv("OTP_EMAIL_SENDER", "no-reply@fleetguard.local"),
		OTPDeliveryChannel: getEnv("OTP_DELIVERY_CHANNEL", "email"),

		OTELServiceName:          getEnv("OTEL_SERVICE_NAME", "fleetguard"),
		OTELEnvironment:          getEnv("OTEL_ENVIRONMENT", "dev"),
		OTELExporterOTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.RedisDB, err = parseInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.SessionTimeout, err = parseDuration("SESSION_TIMEOUT", 1800*time.Second); err != nil {
		return nil, err
	}
	if cfg.SessionRotationInterval, err = parseDuration("SESSION_ROTATION_INTERVAL", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.SessionCookieSecure, err = parseBool("SESSION_COOKIE_SECURE", cfg.Profile != "dev"); err != nil {
		return nil, err
	}
	if cfg.CSRFTokenLifetime, err = parseDuration("CSRF_TOKEN_LIFETIME", 1800*time.Second); err != nil {
		return nil, err
	}
	if cfg.CSRFTokenCap, err = parseInt("CSRF_TOKEN_CAP", 10); err != nil {
		return nil, err
	}
	if cfg.OTPCodeTTL, err = parseDuration("OTP_CODE_TTL", 600*time.Second); err != nil {
		return nil, err
	}
	if cfg.ChallengeTTL, err = parseDuration("TWO_FACTOR_CHALLENGE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RememberTokenTTL, err = parseDuration("REMEMBER_TOKEN_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LoginIPMaxAttempts, err = parseInt("LOGIN_IP_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.LoginIPWindow, err = parseDuration("LOGIN_IP_WINDOW", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.LoginIPBlock, err = parseDuration("LOGIN_IP_BLOCK", 900*time.Second); err != nil {
		return nil, err
	}
	if cfg.LoginEmailMaxAttempts, err = parseInt("LOGIN_EMAIL_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.LoginEmailWindow, err = parseDuration("LOGIN_EMAIL_WINDOW", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.LoginEmailBlock, err = parseDuration("LOGIN_EMAIL_BLOCK", 1800*time.Second); err != nil {
		return nil, err
	}
	if cfg.PermissionCacheTTL, err = parseDuration("PERMISSION_CACHE_TTL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.OTELMetricsEnabled, err = parseBool("OTEL_METRICS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELTracingEnabled, err = parseBool("OTEL_TRACING_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELLogsEnabled, err = parseBool("OTEL_LOGS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELExporterOTLPInsecure, err = parseBool("OTEL_EXPORTER_OTLP_INSECURE", true); err != nil {
		return nil, err
	}
	if cfg.OTELMetricsExportInterval, err = parseDuration("OTEL_METRICS_EXPORT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = parseDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		recordConfigValidationEvent(ctx, cfg.Profile, "invalid", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(ctx, cfg.Profile, "valid", "none")
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Profile != "dev" {
		if c.DatabaseURL == "" {
			return fmt.Errorf("validate config: DATABASE_URL is required")
		}
		if c.ChallengeSecret == "" {
			return fmt.Errorf("validate config: TWO_FACTOR_CHALLENGE_SECRET is required")
		}
		if c.IdentifierPepper == "" {
			return fmt.Errorf("validate config: IDENTIFIER_PEPPER is required")
		}
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("validate config: SESSION_TIMEOUT must be positive")
	}
	if c.CSRFTokenCap <= 0 {
		return fmt.Errorf("validate config: CSRF_TOKEN_CAP must be positive")
	}
	if c.OTPDeliveryChannel != "email" && c.OTPDeliveryChannel != "sms" {
		return fmt.Errorf("validate config: OTP_DELIVERY_CHANNEL must be email or sms, got %q", c.OTPDeliveryChannel)
	}
	return nil
}

// LoadEnvFile seeds process env from a dotenv-style file. Variables already
// present in the environment win. A missing file is not an error.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func parseBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// parseDuration accepts Go duration strings and bare integers, which are
// read as seconds to match the deployment convention.
func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}
