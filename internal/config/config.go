package config

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"statusline/internal/transitions"
)

const (
	// Dir is the per-repository configuration directory.
	Dir = ".kittify"
	// SpecsDir holds one directory per feature.
	SpecsDir = "kitty-specs"
)

// Config models .kittify/config.yaml. Keys this module does not own are
// ignored.
type Config struct {
	Status   StatusConfig    `yaml:"status"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
	Server   ServerConfig    `yaml:"server,omitempty"`
}

type StatusConfig struct {
	// Phase is kept raw; the phase resolver decides whether it is usable.
	Phase          yaml.Node      `yaml:"phase,omitempty"`
	LegacyBranches []string       `yaml:"legacy_branches,omitempty"`
	Priority       map[string]int `yaml:"priority,omitempty"`
}

// WebhookConfig describes one notification target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int      `yaml:"max_retries,omitempty"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type ServerConfig struct {
	Addr                   string `yaml:"addr,omitempty"`
	BasePath               string `yaml:"base_path,omitempty"`
	JWTSecret              string `yaml:"jwt_secret,omitempty"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header,omitempty"`
}

// PhaseValue returns the raw status.phase value and whether the key is set.
func (c *Config) PhaseValue() (string, bool) {
	if c == nil || c.Status.Phase.Kind == 0 {
		return "", false
	}
	n := c.Status.Phase
	if n.Kind == yaml.DocumentNode && len(n.Content) == 1 {
		n = *n.Content[0]
	}
	if n.Kind != yaml.ScalarNode {
		return fmt.Sprintf("<%s>", kindName(n.Kind)), true
	}
	if n.Tag == "!!null" {
		return "", false
	}
	return n.Value, true
}

// PriorityTable returns the conflict priorities with configured overrides
// applied over transitions.DefaultPriority.
func (c *Config) PriorityTable() transitions.Priority {
	out := make(transitions.Priority, len(transitions.DefaultPriority))
	for l, v := range transitions.DefaultPriority {
		out[l] = v
	}
	if c == nil {
		return out
	}
	for k, v := range c.Status.Priority {
		if l, err := transitions.ParseLane(k); err == nil {
			out[l] = v
		}
	}
	return out
}

// IsLegacyBranch reports whether branch matches a status.legacy_branches glob.
func (c *Config) IsLegacyBranch(branch string) bool {
	if c == nil || branch == "" {
		return false
	}
	for _, pattern := range c.Status.LegacyBranches {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// Validate checks the parts of the config that must be well formed.
// status.phase is left to the phase resolver.
func (c *Config) Validate() error {
	for _, p := range c.Status.LegacyBranches {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.status.legacy_branches contains an empty pattern")
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("config.status.legacy_branches pattern %q: %w", p, err)
		}
	}
	for k := range c.Status.Priority {
		if _, err := transitions.ParseLane(k); err != nil {
			return fmt.Errorf("config.status.priority: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 || hook.MaxRetries < 0 {
			return fmt.Errorf("config.webhooks[%d] timeout_seconds and max_retries must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a repository root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, Dir, "config.yaml")
}

// Load reads and validates config from a repository root.
func Load(root string) (*Config, error) {
	p := Path(root)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with sl config init", p)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateDefault returns the starter config YAML written by `sl config init`.
func GenerateDefault() string {
	return defaultTemplate
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.AliasNode:
		return "alias"
	default:
		return "node"
	}
}

const defaultTemplate = `status:
  # 0 = hardening, 1 = dual-write, 2 = read-cutover
  phase: 1
  legacy_branches:
    - "release/0.*"
    - "legacy/*"

server:
  addr: ":8080"
  base_path: /v0
  allow_legacy_actor_header: false

# webhooks:
#   - url: https://example.invalid/hooks/status
#     events: [status.transition]
#     timeout_seconds: 5
#     max_retries: 3
`
