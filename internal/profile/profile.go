package profile

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is configuration to start a durable worker.
type Profile struct {
	// Mode is dev, demo, or prod.
	Mode string
	// Driver selects the store backend: memory or postgres.
	Driver string
	// DSN is the backend-specific data source name.
	DSN string
	// RedisURL enables the Redis event bus when set.
	RedisURL string

	// Addr/Port expose the metrics endpoint. Port 0 disables it.
	Addr string
	Port int

	// Engine tuning.
	MaxAttempts        int
	PollingIntervalMs  int
	AuditEnabled       bool
	DeterminismPolicy  string
	ExecutionTimeoutMs int

	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables. Values already set
// by flags win over the environment.
func (p *Profile) FromEnv() {
	if p.Driver == "" {
		p.Driver = getEnvOrDefault("DURABLE_DRIVER", "memory")
	}
	if p.DSN == "" {
		p.DSN = getEnvOrDefault("DURABLE_DSN", "")
	}
	if p.RedisURL == "" {
		p.RedisURL = getEnvOrDefault("DURABLE_REDIS_URL", "")
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = getEnvOrDefaultInt("DURABLE_MAX_ATTEMPTS", 3)
	}
	if p.PollingIntervalMs == 0 {
		p.PollingIntervalMs = getEnvOrDefaultInt("DURABLE_POLLING_INTERVAL_MS", 1000)
	}
	if !p.AuditEnabled {
		p.AuditEnabled = getEnvOrDefault("DURABLE_AUDIT_ENABLED", "false") == "true"
	}
	if p.DeterminismPolicy == "" {
		p.DeterminismPolicy = getEnvOrDefault("DURABLE_DETERMINISM_POLICY", "warn")
	}
	if p.ExecutionTimeoutMs == 0 {
		p.ExecutionTimeoutMs = getEnvOrDefaultInt("DURABLE_EXECUTION_TIMEOUT_MS", 0)
	}
}

// Validate rejects inconsistent configurations before anything starts.
func (p *Profile) Validate() error {
	switch p.Mode {
	case "dev", "demo", "prod":
	default:
		return errors.Errorf("invalid mode %q, expected dev, demo, or prod", p.Mode)
	}
	switch p.Driver {
	case "memory":
	case "postgres":
		if p.DSN == "" {
			return errors.New("postgres driver requires a dsn")
		}
	default:
		return errors.Errorf("invalid driver %q, expected memory or postgres", p.Driver)
	}
	switch p.DeterminismPolicy {
	case "allow", "warn", "error":
	default:
		return errors.Errorf("invalid determinism policy %q, expected allow, warn, or error", p.DeterminismPolicy)
	}
	if p.PollingIntervalMs < 0 || p.MaxAttempts < 0 {
		return errors.New("polling interval and max attempts must not be negative")
	}
	return nil
}
