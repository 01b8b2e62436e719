package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "discoveryline.yml"

// Conversation transports.
const (
	TransportMemory = "memory"
	TransportFile   = "file"
)

// Config models discoveryline.yml.
type Config struct {
	Pipeline     Pipeline `yaml:"pipeline"`
	Collaborator struct {
		Retries int `yaml:"retries"`
	} `yaml:"collaborator"`
	Conversation struct {
		Transport string `yaml:"transport"`
		Dir       string `yaml:"dir"`
	} `yaml:"conversation"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig posts run audit events to an external endpoint. An empty
// Events list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Pipeline holds the per-stage settings the orchestrator reads.
type Pipeline struct {
	Exploration struct {
		Sources           []string `yaml:"sources"`
		Concurrent        bool     `yaml:"concurrent"`
		DefaultWindowDays int      `yaml:"default_window_days"`
	} `yaml:"exploration"`
	Framing struct {
		RequireKnownEvidence bool `yaml:"require_known_evidence"`
	} `yaml:"framing"`
	Solution struct {
		MaxRounds int `yaml:"max_rounds"`
	} `yaml:"solution"`
	Feasibility struct {
		MaxRounds int `yaml:"max_rounds"`
	} `yaml:"feasibility"`
	Ranking struct {
		FallbackRationale string `yaml:"fallback_rationale"`
	} `yaml:"ranking"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	p := c.Pipeline
	if len(p.Exploration.Sources) == 0 {
		return fmt.Errorf("config.pipeline.exploration.sources is required")
	}
	seen := map[string]bool{}
	for _, s := range p.Exploration.Sources {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("config.pipeline.exploration.sources contains an empty name")
		}
		if seen[s] {
			return fmt.Errorf("config.pipeline.exploration.sources lists %s twice", s)
		}
		seen[s] = true
	}
	if p.Exploration.DefaultWindowDays < 0 {
		return fmt.Errorf("config.pipeline.exploration.default_window_days must be >= 0")
	}
	if p.Solution.MaxRounds < 1 {
		return fmt.Errorf("config.pipeline.solution.max_rounds must be >= 1")
	}
	if p.Feasibility.MaxRounds < 1 {
		return fmt.Errorf("config.pipeline.feasibility.max_rounds must be >= 1")
	}
	if c.Collaborator.Retries < 0 {
		return fmt.Errorf("config.collaborator.retries must be >= 0")
	}
	switch c.Conversation.Transport {
	case TransportMemory:
	case TransportFile:
		if c.Conversation.Dir == "" {
			return fmt.Errorf("config.conversation.dir is required for the file transport")
		}
	default:
		return fmt.Errorf("config.conversation.transport must be %q or %q", TransportMemory, TransportFile)
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it. Keys absent
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  exploration:
    sources: [conversations, analytics, version_control, internal_docs]
    concurrent: false
    default_window_days: 30
  framing:
    require_known_evidence: false
  solution:
    max_rounds: 3
  feasibility:
    max_rounds: 3
  ranking:
    fallback_rationale: "Not ranked by the prioritization step; appended in original order."

collaborator:
  retries: 0

conversation:
  transport: file
  dir: .discoveryline/conversations

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`

// Snapshot renders p as a plain map keyed like the YAML file. Runs store it so
// a finished run records the settings it ran with.
func (p Pipeline) Snapshot() map[string]any {
	out := map[string]any{}
	data, err := yaml.Marshal(p)
	if err != nil {
		return out
	}
	_ = yaml.Unmarshal(data, &out)
	return out
}
