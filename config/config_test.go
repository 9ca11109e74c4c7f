package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payroll.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, config.BackendSQLite, cfg.Database.Backend)
	assert.Equal(t, config.BackendSQLite, cfg.Orchestrator.LockBackend)
	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.StaleAfter)
	assert.Equal(t, benefits.DefaultStageConfig(), cfg.Batch.StageConfig())
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	// GIVEN: A config file and an environment override
	path := writeConfig(t, `
server:
  port: 9090
database:
  backend: memory
log:
  level: debug
  format: console
batch:
  calculation:
    chunk_size: 7
scheduler:
  enabled: true
  interval: 15m
  frequency: bi_weekly
  anchor: "2025-01-13"
`)
	t.Setenv("PAYROLL_SERVER_PORT", "7070")
	t.Setenv("PAYROLL_ORCHESTRATOR_STALE_AFTER", "45m")

	// WHEN: Loading
	cfg, err := config.Load(path)

	// THEN: The environment wins over the file, the file over defaults
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 45*time.Minute, cfg.Orchestrator.StaleAfter)
	assert.Equal(t, config.BackendMemory, cfg.Database.Backend)
	assert.Equal(t, config.BackendMemory, cfg.Orchestrator.LockBackend)
	assert.Equal(t, "console", cfg.Log.Format)

	stages := cfg.Batch.StageConfig()
	assert.Equal(t, 7, stages.Calculation.ChunkSize)
	assert.Equal(t, 2, stages.Calculation.RetryLimit)
	assert.Equal(t, 10, stages.Eligibility.ChunkSize)

	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	anchor, err := cfg.Scheduler.AnchorDate()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.January, 13, 0, 0, 0, 0, time.UTC), anchor)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		key    string
	}{
		{"port", func(c *config.Config) { c.Server.Port = 0 }, "server.port"},
		{"backend", func(c *config.Config) { c.Database.Backend = "postgres" }, "database.backend"},
		{"sqlite path", func(c *config.Config) { c.Database.Path = "" }, "database.path"},
		{"log format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
		{"engine", func(c *config.Config) { c.Rules.Engine = "drools" }, "rules.engine"},
		{"hris base url", func(c *config.Config) { c.HRIS.Mode = config.HRISHTTP }, "hris.base_url"},
		{"chunk size", func(c *config.Config) { c.Batch.Deduction.ChunkSize = 0 }, "batch.deduction.chunk_size"},
		{"retry limit", func(c *config.Config) { c.Batch.Eligibility.RetryLimit = 0 }, "batch.eligibility.retry_limit"},
		{"stale after", func(c *config.Config) { c.Orchestrator.StaleAfter = 0 }, "orchestrator.stale_after"},
		{"sqlite lock on memory store", func(c *config.Config) {
			c.Database.Backend = config.BackendMemory
			c.Orchestrator.LockBackend = config.BackendSQLite
		}, "orchestrator.lock_backend"},
		{"frequency", func(c *config.Config) { c.Scheduler.Frequency = "quarterly" }, "scheduler.frequency"},
		{"anchor", func(c *config.Config) { c.Scheduler.Anchor = "13/01/2025" }, "scheduler.anchor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.ErrorIs(t, err, config.ErrInvalidConfig)
			var verr *config.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.key, verr.Key)
		})
	}
}
