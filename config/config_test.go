package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/domain/mission"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "xp-ledger", cfg.App.Name)
	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Ledger.BatchChunkSize)
	assert.Equal(t, "*/15 * * * *", cfg.Scheduler.ReconcileCron)
	assert.Equal(t, "*/30 * * * *", cfg.Scheduler.RankReloadCron)
	assert.Equal(t, mission.DefaultBonusRules(), cfg.Ledger.BonusRules())
	assert.Equal(t, time.UTC, cfg.Location())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"APP_ENV":                    "production",
		"DB_DRIVER":                  "postgres",
		"DB_URL":                     "postgres://u:p@db:5432/xp",
		"DB_MAX_CONNS":               "20",
		"REDIS_DISABLED":             "true",
		"LEDGER_BATCH_CHUNK_SIZE":    "100",
		"LEDGER_FEATURED_MULTIPLIER": "3",
		"SCHEDULER_ENABLED":          "false",
		"HTTP_READ_TIMEOUT":          "2s",
		"LOG_FORMAT":                 "console",
	})
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, int32(20), cfg.Database.MaxConns)
	assert.True(t, cfg.Redis.Disabled)
	assert.Equal(t, 100, cfg.Ledger.BatchChunkSize)
	assert.Equal(t, 3, cfg.Ledger.BonusRules().FeaturedMultiplier)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 2*time.Second, cfg.HTTP.ReadTimeout)
}

func TestLoadFrom_AggregatesValidationErrors(t *testing.T) {
	_, err := LoadFrom(map[string]string{
		"DB_DRIVER":               "postgres",
		"LEDGER_BATCH_CHUNK_SIZE": "0",
		"LOG_FORMAT":              "xml",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_URL is required")
	assert.Contains(t, err.Error(), "LEDGER_BATCH_CHUNK_SIZE must be positive")
	assert.Contains(t, err.Error(), "LOG_FORMAT must be json or console")
}

func TestLoadFrom_RejectsMemoryInProduction(t *testing.T) {
	_, err := LoadFrom(map[string]string{"APP_ENV": "production", "DB_DRIVER": "memory"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed in production")
}

func TestLoadFrom_ParseError(t *testing.T) {
	_, err := LoadFrom(map[string]string{"LEDGER_RETRY_ATTEMPTS": "many"})
	assert.Error(t, err)
}
