package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.False(t, cfg.Model.legacyToolResults())
}

func TestLoadConfigFunctionCalling(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		legacy bool
	}{
		{
			name:   "unset means native",
			yaml:   "model:\n  provider: openai\n  name: gpt-4o-mini\n",
			legacy: false,
		},
		{
			name:   "explicit true",
			yaml:   "model:\n  provider: openai\n  function_calling: true\n",
			legacy: false,
		},
		{
			name:   "disabled selects text embedding",
			yaml:   "model:\n  provider: openai\n  base_url: http://localhost:8080/v1\n  function_calling: false\n",
			legacy: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, tt.legacy, cfg.Model.legacyToolResults())
		})
	}
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "model:\n  provider: bedrock\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bedrock")
}

func TestLoadConfigRejectsIncompleteAgent(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "agents:\n  - id: gemini\n"))
	require.Error(t, err)
}
