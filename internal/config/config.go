// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kanri/internal/safety"
)

// Storage backend names accepted by KANRI_STORAGE.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Status scope names accepted by KANRI_STATUS_SCOPE.
const (
	ScopeGlobal = "global"
	ScopeThread = "thread"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	Storage     string // "postgres" or "sqlite"
	SQLitePath  string
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// Safety policy. Preset selects the base config; the delta fields
	// override it (set-valued overrides are additive).
	SafetyPreset string
	SafetyDelta  safety.Delta

	// StatusScope selects whether agent status aggregates over all runs
	// or per conversation thread.
	StatusScope string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Credentials is the static API-key registry, as
	// "subject:role:argon2hash" entries separated by commas.
	Credentials string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	SweepInterval       time.Duration // approval expiry sweeper
	WatchdogInterval    time.Duration // run duration watchdog
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KANRI_PORT", 8080),
		ReadTimeout:         envDuration("KANRI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KANRI_WRITE_TIMEOUT", 30*time.Second),
		Storage:             envStr("KANRI_STORAGE", StorageSQLite),
		SQLitePath:          envStr("KANRI_SQLITE_PATH", "kanri.db"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("NOTIFY_URL", ""),
		SafetyPreset:        envStr("KANRI_SAFETY_PRESET", safety.PresetDefault),
		StatusScope:         envStr("KANRI_STATUS_SCOPE", ScopeGlobal),
		JWTPrivateKeyPath:   envStr("KANRI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("KANRI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("KANRI_JWT_EXPIRATION", 24*time.Hour),
		Credentials:         envStr("KANRI_CREDENTIALS", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kanri"),
		LogLevel:            envStr("KANRI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("KANRI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		SweepInterval:       envDuration("KANRI_SWEEP_INTERVAL", 10*time.Second),
		WatchdogInterval:    envDuration("KANRI_WATCHDOG_INTERVAL", 15*time.Second),
		SafetyDelta: safety.Delta{
			AutoExecuteEnabled:    envBoolPtr("KANRI_AUTO_EXECUTE_ENABLED"),
			AutoExecuteLowRisk:    envBoolPtr("KANRI_AUTO_EXECUTE_LOW_RISK"),
			AutoExecuteMediumRisk: envBoolPtr("KANRI_AUTO_EXECUTE_MEDIUM_RISK"),
			MaxToolCallsPerRun:    envIntPtr("KANRI_MAX_TOOL_CALLS_PER_RUN"),
			MaxRunsPerMinute:      envIntPtr("KANRI_MAX_RUNS_PER_MINUTE"),
			MaxRunDuration:        envDurationPtr("KANRI_MAX_RUN_DURATION"),
			ApprovalTTL:           envDurationPtr("KANRI_APPROVAL_TTL"),
			AuditAllDecisions:     envBoolPtr("KANRI_AUDIT_ALL_DECISIONS"),
			AlertOnHighRisk:       envBoolPtr("KANRI_ALERT_ON_HIGH_RISK"),
			AlwaysRequireApproval: envList("KANRI_ALWAYS_REQUIRE_APPROVAL"),
			DisabledTools:         envList("KANRI_DISABLED_TOOLS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: KANRI_SQLITE_PATH is required for sqlite storage")
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("config: KANRI_STORAGE must be %q or %q", StoragePostgres, StorageSQLite)
	}
	if c.StatusScope != ScopeGlobal && c.StatusScope != ScopeThread {
		return fmt.Errorf("config: KANRI_STATUS_SCOPE must be %q or %q", ScopeGlobal, ScopeThread)
	}
	if _, err := safety.ByName(c.SafetyPreset); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KANRI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: KANRI_SWEEP_INTERVAL must be positive")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("config: KANRI_WATCHDOG_INTERVAL must be positive")
	}
	return nil
}

// SafetyConfig resolves the preset plus delta into the policy in force.
func (c Config) SafetyConfig() (safety.Config, error) {
	base, err := safety.ByName(c.SafetyPreset)
	if err != nil {
		return safety.Config{}, err
	}
	policy := base.With(c.SafetyDelta)
	if err := policy.Validate(); err != nil {
		return safety.Config{}, err
	}
	return policy, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envBoolPtr(key string) *bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return &b
		}
	}
	return nil
}

func envIntPtr(key string) *int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return &n
		}
	}
	return nil
}

func envDurationPtr(key string) *time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return &d
		}
	}
	return nil
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
