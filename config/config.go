// Package config provides agent definitions and service configuration.
// Agent definitions live in an external store (YAML documents here) and are
// read-only to the core at run time; the admin surface mutates them and
// invalidates the cache.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pipeline state toggles and bounds carried by an agent definition.
type PipelineShape struct {
	NeedsKnowledge bool          `yaml:"needs_knowledge" json:"needs_knowledge" mapstructure:"needs_knowledge"`
	MaxIterations  int           `yaml:"max_iterations" json:"max_iterations" mapstructure:"max_iterations"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// AgentDefinition describes one configured agent: its prompt, toolbox, model
// binding and pipeline shape.
type AgentDefinition struct {
	ID          string        `yaml:"id" json:"id" mapstructure:"id"`
	Name        string        `yaml:"name" json:"name" mapstructure:"name"`
	Description string        `yaml:"description" json:"description" mapstructure:"description"`
	Prompt      string        `yaml:"prompt" json:"prompt" mapstructure:"prompt"`
	Tools       []string      `yaml:"tools" json:"tools" mapstructure:"tools"`
	Model       string        `yaml:"model" json:"model" mapstructure:"model"`
	Convention  string        `yaml:"convention" json:"convention" mapstructure:"convention"`
	Keywords    []string      `yaml:"keywords" json:"keywords" mapstructure:"keywords"`
	Pipeline    PipelineShape `yaml:"pipeline" json:"pipeline" mapstructure:"pipeline"`
}

// Validate checks the definition for load-time mistakes.
func (d *AgentDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent definition missing id")
	}
	if d.Prompt == "" {
		return fmt.Errorf("agent %s: missing prompt", d.ID)
	}
	switch d.Convention {
	case "", "inline", "structured":
	default:
		return fmt.Errorf("agent %s: unknown convention %q", d.ID, d.Convention)
	}
	if d.Pipeline.MaxIterations < 0 {
		return fmt.Errorf("agent %s: negative max_iterations", d.ID)
	}
	return nil
}

// MatchesKeyword reports whether the message contains one of the agent's
// routing keywords (case insensitive).
func (d *AgentDefinition) MatchesKeyword(message string) bool {
	lowered := strings.ToLower(message)
	for _, kw := range d.Keywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// DefinitionStore exposes agent definitions to the core. Implementations
// must be safe for concurrent use.
type DefinitionStore interface {
	// GetAgentDefinition returns the definition for id.
	GetAgentDefinition(ctx context.Context, id string) (*AgentDefinition, error)

	// ListAgentDefinitions returns all known definitions.
	ListAgentDefinitions(ctx context.Context) ([]*AgentDefinition, error)
}

// Config is the service-level configuration loaded via viper.
type Config struct {
	Server struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Model struct {
		RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
		RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
		RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
		CallTimeout       time.Duration `mapstructure:"call_timeout"`
		MaxCallsPerRun    int           `mapstructure:"max_calls_per_run"`
	} `mapstructure:"model"`

	Sandbox struct {
		Root             string        `mapstructure:"root"`
		IsolatedTimeout  time.Duration `mapstructure:"isolated_timeout"`
		WorkspaceTimeout time.Duration `mapstructure:"workspace_timeout"`
		RetryOnTimeout   bool          `mapstructure:"retry_on_timeout"`
	} `mapstructure:"sandbox"`

	Agents struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"agents"`
}

// Load reads service configuration from the given file (optional), the
// STAGECOACH_ environment and built-in defaults, in that precedence order.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STAGECOACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("model.retry_max_attempts", 3)
	v.SetDefault("model.retry_initial_delay", 500*time.Millisecond)
	v.SetDefault("model.retry_max_delay", 8*time.Second)
	v.SetDefault("model.call_timeout", 60*time.Second)
	v.SetDefault("model.max_calls_per_run", 25)
	v.SetDefault("sandbox.root", "/var/lib/stagecoach/workspaces")
	v.SetDefault("sandbox.isolated_timeout", 10*time.Second)
	v.SetDefault("sandbox.workspace_timeout", 2*time.Minute)
	v.SetDefault("sandbox.retry_on_timeout", false)
	v.SetDefault("agents.path", "agents.yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
