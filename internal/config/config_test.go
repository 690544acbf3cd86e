package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.75, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, 3, cfg.Engine.QuestionBudget)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentStages)
	assert.Equal(t, 120*time.Second, cfg.Engine.StageTimeout.Std())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Engine, cfg.Engine)
}

func TestLoadConfigLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	body := `
engine:
  question_budget: 2
  question_timeout: 30s
  max_concurrent_stages: 8
llm:
  provider: mock
  model: test-model
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Engine.QuestionBudget)
	assert.Equal(t, 30*time.Second, cfg.Engine.QuestionTimeout.Std())
	assert.Equal(t, 8, cfg.Engine.MaxConcurrentStages)
	assert.Equal(t, "mock", cfg.LLM.Provider)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.75, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, 4, cfg.Engine.MaxPaths)
}

func TestLoadConfigRejectsOutOfRangeThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	body := `
engine:
  confidence_threshold: 1.4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_threshold")
}

func TestLoadConfigRejectsInvertedFeasibilityThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.MinFeasibilityThreshold = 0.9
	cfg.Engine.ConfidentFeasibilityThreshold = 0.5
	require.Error(t, cfg.Validate())
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  stage_timeout: soon\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
