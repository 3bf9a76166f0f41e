package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/config"
	"github.com/ashita-ai/kanri/internal/safety"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, config.StorageSQLite, cfg.Storage)
	assert.Equal(t, "kanri.db", cfg.SQLitePath)
	assert.Equal(t, config.ScopeGlobal, cfg.StatusScope)
	assert.Equal(t, safety.PresetDefault, cfg.SafetyPreset)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiration)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(1024*1024), cfg.MaxRequestBodyBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KANRI_PORT", "9090")
	t.Setenv("KANRI_STORAGE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/kanri")
	t.Setenv("KANRI_STATUS_SCOPE", "thread")
	t.Setenv("KANRI_SAFETY_PRESET", "production")
	t.Setenv("KANRI_SWEEP_INTERVAL", "30s")
	t.Setenv("KANRI_APPROVAL_TTL", "5m")
	t.Setenv("KANRI_AUTO_EXECUTE_ENABLED", "false")
	t.Setenv("KANRI_DISABLED_TOOLS", "wire_funds, delete_account")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, config.StoragePostgres, cfg.Storage)
	assert.Equal(t, config.ScopeThread, cfg.StatusScope)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)

	require.NotNil(t, cfg.SafetyDelta.ApprovalTTL)
	assert.Equal(t, 5*time.Minute, *cfg.SafetyDelta.ApprovalTTL)
	require.NotNil(t, cfg.SafetyDelta.AutoExecuteEnabled)
	assert.False(t, *cfg.SafetyDelta.AutoExecuteEnabled)
	assert.Equal(t, []string{"wire_funds", "delete_account"}, cfg.SafetyDelta.DisabledTools)
}

func TestLoadValidation(t *testing.T) {
	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("KANRI_STORAGE", "postgres")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("unknown storage backend", func(t *testing.T) {
		t.Setenv("KANRI_STORAGE", "dynamodb")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("unknown status scope", func(t *testing.T) {
		t.Setenv("KANRI_STATUS_SCOPE", "galaxy")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("unknown safety preset", func(t *testing.T) {
		t.Setenv("KANRI_SAFETY_PRESET", "nonsense")
		_, err := config.Load()
		assert.Error(t, err)
	})
}

func TestSafetyConfig(t *testing.T) {
	t.Setenv("KANRI_SAFETY_PRESET", "production")
	t.Setenv("KANRI_MAX_TOOL_CALLS_PER_RUN", "5")
	t.Setenv("KANRI_ALWAYS_REQUIRE_APPROVAL", "delete_account")

	cfg, err := config.Load()
	require.NoError(t, err)

	policy, err := cfg.SafetyConfig()
	require.NoError(t, err)
	assert.False(t, policy.AutoExecuteMediumRisk, "production preset holds medium risk")
	assert.Equal(t, 5, policy.MaxToolCallsPerRun)
	assert.True(t, policy.AlwaysRequireApproval["delete_account"])

	// Preset entries survive the additive delta.
	assert.True(t, policy.AlwaysRequireApproval["send_email"])
}

func TestSafetyConfigRejectsInvalidDelta(t *testing.T) {
	// Medium-risk auto-execute without low-risk is contradictory.
	t.Setenv("KANRI_AUTO_EXECUTE_LOW_RISK", "false")
	t.Setenv("KANRI_AUTO_EXECUTE_MEDIUM_RISK", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	_, err = cfg.SafetyConfig()
	assert.Error(t, err)
}
