package profile

import (
	"os"
	"testing"
)

func clearDurableEnvVars() {
	for _, key := range []string{
		"DURABLE_DRIVER",
		"DURABLE_DSN",
		"DURABLE_REDIS_URL",
		"DURABLE_MAX_ATTEMPTS",
		"DURABLE_POLLING_INTERVAL_MS",
		"DURABLE_AUDIT_ENABLED",
		"DURABLE_DETERMINISM_POLICY",
		"DURABLE_EXECUTION_TIMEOUT_MS",
	} {
		os.Unsetenv(key)
	}
}

func TestProfileDefaults(t *testing.T) {
	clearDurableEnvVars()

	profile := &Profile{}
	profile.FromEnv()

	tests := []struct {
		name     string
		expected string
		actual   string
	}{
		{"Driver default", "memory", profile.Driver},
		{"DSN default", "", profile.DSN},
		{"RedisURL default", "", profile.RedisURL},
		{"DeterminismPolicy default", "warn", profile.DeterminismPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, tt.actual)
			}
		})
	}
	if profile.MaxAttempts != 3 {
		t.Errorf("MaxAttempts default: expected 3, got %d", profile.MaxAttempts)
	}
	if profile.PollingIntervalMs != 1000 {
		t.Errorf("PollingIntervalMs default: expected 1000, got %d", profile.PollingIntervalMs)
	}
	if profile.AuditEnabled {
		t.Error("AuditEnabled default: expected false")
	}
}

func TestProfileFromEnv(t *testing.T) {
	clearDurableEnvVars()
	t.Setenv("DURABLE_DRIVER", "postgres")
	t.Setenv("DURABLE_DSN", "postgres://localhost/durable")
	t.Setenv("DURABLE_MAX_ATTEMPTS", "5")
	t.Setenv("DURABLE_AUDIT_ENABLED", "true")

	profile := &Profile{}
	profile.FromEnv()

	if profile.Driver != "postgres" {
		t.Errorf("Driver: expected postgres, got %q", profile.Driver)
	}
	if profile.DSN != "postgres://localhost/durable" {
		t.Errorf("DSN: got %q", profile.DSN)
	}
	if profile.MaxAttempts != 5 {
		t.Errorf("MaxAttempts: expected 5, got %d", profile.MaxAttempts)
	}
	if !profile.AuditEnabled {
		t.Error("AuditEnabled: expected true")
	}
}

func TestProfileFlagsWinOverEnv(t *testing.T) {
	clearDurableEnvVars()
	t.Setenv("DURABLE_DRIVER", "postgres")

	profile := &Profile{Driver: "memory"}
	profile.FromEnv()

	if profile.Driver != "memory" {
		t.Errorf("Driver: flag value should win, got %q", profile.Driver)
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{
			name:    "valid memory profile",
			profile: Profile{Mode: "dev", Driver: "memory", DeterminismPolicy: "warn"},
			wantErr: false,
		},
		{
			name:    "valid postgres profile",
			profile: Profile{Mode: "prod", Driver: "postgres", DSN: "postgres://localhost/d", DeterminismPolicy: "error"},
			wantErr: false,
		},
		{
			name:    "postgres without dsn",
			profile: Profile{Mode: "dev", Driver: "postgres", DeterminismPolicy: "warn"},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			profile: Profile{Mode: "dev", Driver: "cassandra", DeterminismPolicy: "warn"},
			wantErr: true,
		},
		{
			name:    "unknown mode",
			profile: Profile{Mode: "staging", Driver: "memory", DeterminismPolicy: "warn"},
			wantErr: true,
		},
		{
			name:    "unknown determinism policy",
			profile: Profile{Mode: "dev", Driver: "memory", DeterminismPolicy: "strict"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
