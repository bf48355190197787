package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-engine/ledger"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "membership.db", cfg.DB.Path)
	assert.Equal(t, 1, cfg.Points.TTLYears)
	assert.Equal(t, 3, cfg.Accrual.FirstTransactionDays)
	assert.Equal(t, 500, cfg.Sweep.BatchSize)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "10 0 * * *", cfg.Scheduler.Spec)

	chart, err := cfg.Chart()
	require.NoError(t, err)
	assert.Equal(t, ledger.TierID("member"), chart.NormalTier().ID)

	assert.Equal(t, 1, cfg.PointPolicy().TTLYears)
	assert.Equal(t, 4, cfg.AccrualConfig().Workers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// GIVEN: a config file with an inline chart and an env override
	path := filepath.Join(t.TempDir(), "membership.yaml")
	doc := `
http:
  port: 9090
db:
  path: from-file.db
points:
  release_days: 7
tiers:
  - id: basic
    order: 1
    limit_spending: 0
    personal_rate: "0.01"
  - id: plus
    order: 2
    limit_spending: 1000
    personal_rate: "0.02"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("MEMBERSHIP_DB_PATH", "from-env.db")

	// WHEN
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "from-env.db", cfg.DB.Path)
	assert.Equal(t, 7, cfg.PointPolicy().ReleaseDays)

	chart, err := cfg.Chart()
	require.NoError(t, err)
	assert.Equal(t, ledger.TierID("plus"), chart.TopTier().ID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestChart_MissingTiersFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Tiers = nil
	cfg.TiersFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err = cfg.Chart()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LogConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "INFO", parseLevel("loud").String())
}
