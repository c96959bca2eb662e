package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of the daemon.
type Config struct {
	Model        ModelConfig  `yaml:"model"`
	SystemPrompt string       `yaml:"system_prompt"`
	OffloadDir   string       `yaml:"offload_dir"`
	MaxToolCalls int          `yaml:"max_tool_calls"`
	Agents       []AgentEntry `yaml:"agents"`
}

// ModelConfig selects the in-process model backend.
type ModelConfig struct {
	Provider string `yaml:"provider"` // "anthropic" or "openai"
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// FunctionCalling marks whether the endpoint supports structured
	// tool-role result messages. Unset means yes; "function_calling:
	// false" routes tool results through the text-embedding path.
	FunctionCalling *bool `yaml:"function_calling"`
}

// legacyToolResults reports whether tool results must be embedded as text.
func (m ModelConfig) legacyToolResults() bool {
	return m.FunctionCalling != nil && !*m.FunctionCalling
}

// AgentEntry configures one external agent binary.
type AgentEntry struct {
	Env     map[string]string `yaml:"env"`
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
}

// loadConfig reads and validates the YAML configuration. A missing file
// yields a usable default config with only the local backend.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		Model: ModelConfig{Provider: "anthropic"},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	switch cfg.Model.Provider {
	case "", "anthropic", "openai":
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
	for _, a := range cfg.Agents {
		if a.ID == "" || a.Command == "" {
			return nil, fmt.Errorf("agent entries need both id and command")
		}
	}
	return cfg, nil
}
