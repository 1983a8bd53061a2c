// Package config loads the agent's YAML configuration: workspace binding,
// model provider, MCP server fleet, checkpoint store, attachment storage,
// and the HTTP server. Values support ${VAR} and ${VAR:-default} expansion
// from the environment, with .env files honored.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zypherlabs/zypher/pkg/attachments"
	"github.com/zypherlabs/zypher/pkg/mcp"
	"github.com/zypherlabs/zypher/pkg/model/anthropic"
)

// Duration decodes YAML strings like "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Model       anthropic.Config  `yaml:"model"`
	MCP         MCPConfig         `yaml:"mcp,omitempty"`
	Checkpoints CheckpointConfig  `yaml:"checkpoints,omitempty"`
	Attachments AttachmentsConfig `yaml:"attachments,omitempty"`
	Server      ServerConfig      `yaml:"server,omitempty"`
	Logger      LoggerConfig      `yaml:"logger,omitempty"`
}

// AgentConfig binds the agent to a workspace and tunes the task loop.
type AgentConfig struct {
	Workspace        string   `yaml:"workspace"`
	SystemPromptPath string   `yaml:"system_prompt_path,omitempty"`
	SystemPrompt     string   `yaml:"system_prompt,omitempty"`
	SkillsDir        string   `yaml:"skills_dir,omitempty"`
	MaxIterations    int      `yaml:"max_iterations,omitempty"`
	TaskTimeout      Duration `yaml:"task_timeout,omitempty"`

	// MaxTokenContinuations caps automatic continuations after
	// max_tokens stops. Zero means unlimited.
	MaxTokenContinuations int `yaml:"max_token_continuations,omitempty"`

	// ErrorDetector, when set, runs after each iteration and feeds
	// failures back to the model.
	ErrorDetector *ErrorDetectorConfig `yaml:"error_detector,omitempty"`

	// LocalTools, when set, registers the built-in command and file
	// tools rooted at the workspace.
	LocalTools *LocalToolsConfig `yaml:"local_tools,omitempty"`
}

// LocalToolsConfig tunes the built-in workspace tools.
type LocalToolsConfig struct {
	// AllowedCommands restricts execute_command to the listed base
	// commands. Empty means any command.
	AllowedCommands []string `yaml:"allowed_commands,omitempty"`

	// CommandTimeout bounds a single command run. Zero means 30s.
	CommandTimeout Duration `yaml:"command_timeout,omitempty"`
}

// ErrorDetectorConfig describes a check command run between iterations.
type ErrorDetectorConfig struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// MCPConfig describes the server fleet registered at startup.
type MCPConfig struct {
	RegistryURL string        `yaml:"registry_url,omitempty"`
	Servers     []ServerEntry `yaml:"servers,omitempty"`
}

// ServerEntry is one configured MCP server. Enabled defaults to true.
type ServerEntry struct {
	mcp.Endpoint `yaml:",inline"`

	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled resolves the enabled flag's default.
func (s ServerEntry) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// CheckpointConfig locates the checkpoint metadata directory.
type CheckpointConfig struct {
	// Dir holds checkpoint metadata. It must live outside the workspace,
	// or checkpoints would snapshot their own store. Defaults to a
	// per-workspace directory under the user cache dir.
	Dir string `yaml:"dir,omitempty"`
}

// AttachmentsConfig configures file attachment storage and caching.
type AttachmentsConfig struct {
	S3 *attachments.S3Config `yaml:"s3,omitempty"`

	// CacheDir holds downloaded attachments, outside the workspace so
	// checkpoints never snapshot the cache. Defaults to a per-workspace
	// directory under the user cache dir.
	CacheDir string `yaml:"cache_dir,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	Metrics bool   `yaml:"metrics,omitempty"`
}

// Address joins host and port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// SetDefaults fills unset fields in place.
func (c *Config) SetDefaults() {
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 25
	}
	if c.Checkpoints.Dir == "" && c.Agent.Workspace != "" {
		c.Checkpoints.Dir = filepath.Join(stateDir(c.Agent.Workspace), "checkpoints")
	}
	if c.Attachments.CacheDir == "" && c.Agent.Workspace != "" {
		c.Attachments.CacheDir = filepath.Join(stateDir(c.Agent.Workspace), "attachments")
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8420
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.MCP.RegistryURL == "" {
		c.MCP.RegistryURL = mcp.DefaultRegistryURL
	}
}

// stateDir is the per-workspace state root. It lives outside the workspace
// so checkpoint snapshots never include checkpoint metadata or cached
// attachments.
func stateDir(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(base, "zypher", hex.EncodeToString(sum[:8]))
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Agent.Workspace == "" {
		return fmt.Errorf("agent.workspace is required")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("model.api_key is required")
	}
	if c.Agent.SystemPrompt != "" && c.Agent.SystemPromptPath != "" {
		return fmt.Errorf("agent.system_prompt and agent.system_prompt_path are mutually exclusive")
	}
	if c.Agent.ErrorDetector != nil && c.Agent.ErrorDetector.Command == "" {
		return fmt.Errorf("agent.error_detector.command is required when error_detector is set")
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for _, srv := range c.MCP.Servers {
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("mcp.servers: %w", err)
		}
		if seen[srv.ID] {
			return fmt.Errorf("mcp.servers: duplicate server id %q", srv.ID)
		}
		seen[srv.ID] = true
	}

	if s3 := c.Attachments.S3; s3 != nil && s3.Bucket == "" {
		return fmt.Errorf("attachments.s3.bucket is required when s3 is set")
	}
	return nil
}
