package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Pipeline.Solution.MaxRounds)
	assert.Equal(t, 3, cfg.Pipeline.Feasibility.MaxRounds)
	assert.Equal(t, 30, cfg.Pipeline.Exploration.DefaultWindowDays)
	assert.Len(t, cfg.Pipeline.Exploration.Sources, 4)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
pipeline:
  exploration:
    sources: [conversations]
    concurrent: true
  solution:
    max_rounds: 5
conversation:
  transport: memory
`))
	require.NoError(t, err)
	assert.True(t, cfg.Pipeline.Exploration.Concurrent)
	assert.Equal(t, 5, cfg.Pipeline.Solution.MaxRounds)
	assert.Equal(t, 3, cfg.Pipeline.Feasibility.MaxRounds, "feasibility default lost")
	assert.Equal(t, "/v0", cfg.Server.BasePath, "server default lost")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate source": "pipeline:\n  exploration:\n    sources: [a, a]\n",
		"zero rounds":      "pipeline:\n  solution:\n    max_rounds: 0\n",
		"bad transport":    "conversation:\n  transport: kafka\n",
		"file without dir": "conversation:\n  transport: file\n  dir: \"\"\n",
		"negative retries": "collaborator:\n  retries: -1\n",
		"relative base":    "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
	_, err := FromYAML([]byte("pipeline: ["))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config yaml")
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	_, err = Load(dir)
	assert.Error(t, err, "missing config file")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("collaborator:\n  retries: 2\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Collaborator.Retries)
}

func TestWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte(`
webhooks:
  - url: https://hooks.example.com/review
    events: [stage.advanced, run.failed]
    timeout_seconds: 3
`))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, 3, cfg.Webhooks[0].TimeoutSeconds)
	assert.Len(t, cfg.Webhooks[0].Events, 2)

	_, err = FromYAML([]byte("webhooks:\n  - url: ftp://x\n"))
	assert.Error(t, err, "url scheme must be http or https")
}
