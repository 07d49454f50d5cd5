package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Tasks.Learning.Interval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Tasks.Value.Interval.Std())
	assert.Equal(t, 10, cfg.Backup.Retention)
	require.NotEmpty(t, cfg.Strategies)
	assert.Equal(t, "arbitrage", cfg.Strategies[0].ID)
}

func TestFromYAMLKeepsDefaultsForMissingFields(t *testing.T) {
	cfg, err := FromYAML([]byte("storage:\n  backend: file\nbackup:\n  retention: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.Backup.Retention)
	assert.Equal(t, time.Second, cfg.Scheduler.Tick.Std())
}

func TestFromYAMLReplacesStrategyList(t *testing.T) {
	cfg, err := FromYAML([]byte("strategies:\n  - id: only\n    success_rate: 1\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, "only", cfg.Strategies[0].ID)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"backend":        "storage:\n  backend: redis\n",
		"interval":       "tasks:\n  value:\n    interval: 0s\n",
		"duration":       "scheduler:\n  tick: soon\n",
		"retention":      "backup:\n  retention: 0\n",
		"duplicate":      "strategies:\n  - id: a\n  - id: a\n",
		"rates":          "strategies:\n  - id: a\n    success_rate: 0.8\n    failure_rate: 0.5\n",
		"empty strategy": "strategies:\n  - success_rate: 0.5\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "autocycle.yml"), []byte("storage:\n  backend: bolt\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
