package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Executor.Timeout)
	assert.Equal(t, "echo", cfg.Agents.Default)
	assert.Empty(t, cfg.Webhooks)
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
executor:
  timeout: 90s
agents:
  default: researcher
  llm:
    backend: gemini
    model: models/gemini-1.5-pro
webhooks:
  - url: http://127.0.0.1:9000/hook
    events: [mission.completed]
    enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, 64, cfg.Executor.QueueSize)
	assert.Equal(t, "researcher", cfg.Agents.Default)
	assert.Equal(t, "gemini", cfg.Agents.LLM.Backend)
	require.Len(t, cfg.Webhooks, 1)
	assert.False(t, cfg.Webhooks[0].IsEnabled())
	assert.True(t, config.Webhook{}.IsEnabled())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"workers":  "executor:\n  workers: 0\n",
		"queue":    "executor:\n  queue_size: 0\n",
		"timeout":  "executor:\n  timeout: 0s\n",
		"backend":  "agents:\n  llm:\n    backend: carrier-pigeon\n",
		"prompt":   "missions:\n  max_prompt_len: 0\n",
		"format":   "logging:\n  format: xml\n",
		"basepath": "server:\n  base_path: v0\n",
		"webhook":  "webhooks:\n  - events: [mission.failed]\n",
		"yaml":     "executor: [\n",
	}
	for name, doc := range cases {
		_, err := config.FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = config.FromFile(dir + "/missing.yml")
	assert.Error(t, err)
}
