package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 1000, cfg.Audit.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Audit.FlushInterval)
	assert.Equal(t, 90, cfg.Evidence.FreshnessDays)
	assert.Equal(t, 2555, cfg.Evidence.RetentionDays)
	assert.InDelta(t, 1.1, cfg.Risk.IndustryThreatFactor, 1e-9)
	assert.Equal(t, 60*time.Second, cfg.Governance.HealthCheckInterval)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment: staging
audit:
  batch_size: 250
  timezone: UTC
governance:
  enabled_frameworks: [soc2, iso27001]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("GOV_LOG_LEVEL", "debug")
	t.Setenv("GOV_EVIDENCE__FRESHNESS_DAYS", "30")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 250, cfg.Audit.BatchSize)
	assert.Equal(t, []string{"soc2", "iso27001"}, cfg.Governance.EnabledFrameworks)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30, cfg.Evidence.FreshnessDays)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestValidate(t *testing.T) {
	t.Run("postgres requires url", func(t *testing.T) {
		cfg := Defaults()
		cfg.Storage.Driver = "postgres"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown driver", func(t *testing.T) {
		cfg := Defaults()
		cfg.Storage.Driver = "mysql"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects bad timezone", func(t *testing.T) {
		cfg := Defaults()
		cfg.Audit.Timezone = "Mars/Olympus"
		assert.Error(t, cfg.Validate())
	})

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Defaults().Validate())
	})
}
