// Package config reads the orchestrator settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds every setting of the saga orchestrator process.
type Config struct {
	HTTPAddr string

	StoreDriver string // sqlite or postgres
	StoreDSN    string

	InventoryURL string
	EcommerceURL string
	PaymentURL   string // empty selects the simulated payment capability
	APIKey       string

	GatewayTimeout time.Duration
	PaymentDelay   time.Duration

	RedisAddr   string // empty disables the distributed lock and event stream
	RedisStream string
	LockTTL     time.Duration

	ShutdownTimeout time.Duration
	RecoverOnStart  bool

	LogLevel     string
	ServiceName  string
	OTLPEndpoint string
}

// Load reads the configuration from the environment, applying defaults.
// Malformed durations and booleans are reported rather than ignored.
func Load() (*Config, error) {
	var errs []error
	duration := func(key string, fallback time.Duration) time.Duration {
		d, err := getEnvDuration(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	recoverOnStart, err := getEnvBool("RECOVER_ON_START", true)
	if err != nil {
		errs = append(errs, err)
	}

	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8008"),
		StoreDriver:     getEnv("STORE_DRIVER", "sqlite"),
		StoreDSN:        getEnv("STORE_DSN", "./data/saga.db"),
		InventoryURL:    getEnv("INVENTORY_API_URL", "http://localhost:8001"),
		EcommerceURL:    getEnv("ECOMMERCE_API_URL", "http://localhost:8000"),
		PaymentURL:      os.Getenv("PAYMENT_API_URL"),
		APIKey:          os.Getenv("API_KEY"),
		GatewayTimeout:  duration("GATEWAY_TIMEOUT", 30*time.Second),
		PaymentDelay:    duration("PAYMENT_DELAY", 100*time.Millisecond),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisStream:     getEnv("REDIS_STREAM", "saga.events"),
		LockTTL:         duration("LOCK_TTL", 5*time.Minute),
		ShutdownTimeout: duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		RecoverOnStart:  recoverOnStart,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ServiceName:     getEnv("OTEL_SERVICE_NAME", "saga-orchestrator"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("config: STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver))
	}
	if c.StoreDSN == "" {
		errs = append(errs, errors.New("config: STORE_DSN is required"))
	}
	for key, raw := range map[string]string{
		"INVENTORY_API_URL": c.InventoryURL,
		"ECOMMERCE_API_URL": c.EcommerceURL,
	} {
		if err := checkURL(key, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.PaymentURL != "" {
		if err := checkURL("PAYMENT_API_URL", c.PaymentURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("config: GATEWAY_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func checkURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("config: %s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s is not an absolute URL: %q", key, raw)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}
