// Package config loads relay settings from YAML files.
//
// Settings are layered: Default, then the user file, then the project file.
// Each file only overrides the keys it sets.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/relay/agentloop"
	"github.com/martinemde/relay/approval"
	"github.com/martinemde/relay/contextmgr"
	"github.com/martinemde/relay/hooks"
	"github.com/martinemde/relay/llm"
	"github.com/martinemde/relay/loopdetect"
	"github.com/martinemde/relay/sessionstore"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Model                 ModelConfig       `yaml:"model"`
	WorkingDir            string            `yaml:"working_dir"`
	Approval              ApprovalConfig    `yaml:"approval"`
	Loop                  LoopConfig        `yaml:"loop"`
	Context               contextmgr.Config `yaml:"context"`
	LoopDetection         loopdetect.Config `yaml:"loop_detection"`
	Hooks                 []hooks.Hook      `yaml:"hooks"`
	Sessions              SessionsConfig    `yaml:"sessions"`
	Subagents             SubagentsConfig   `yaml:"subagents"`
	Shell                 ShellConfig       `yaml:"shell"`
	AllowedTools          []string          `yaml:"allowed_tools"`
	MemoryURL             string            `yaml:"memory_url"`
	DeveloperInstructions string            `yaml:"developer_instructions"`
	Log                   LogConfig         `yaml:"log"`
}

type ModelConfig struct {
	Provider    string   `yaml:"provider"`
	Name        string   `yaml:"name"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   *int     `yaml:"max_tokens"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	BaseURL     string   `yaml:"base_url"`
}

// APIKey reads the key from the configured environment variable.
func (m ModelConfig) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

type ApprovalConfig struct {
	Policy       string   `yaml:"policy"`
	AllowedPaths []string `yaml:"allowed_paths"`
	FailFast     bool     `yaml:"fail_fast"`
}

type LoopConfig struct {
	MaxIterations int  `yaml:"max_iterations"`
	ParallelTools bool `yaml:"parallel_tools"`
	Parallelism   int  `yaml:"parallelism"`
}

type SessionsConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	// URL is an afs URL or a directory for the file backend, a database path
	// for sqlite.
	URL       string                 `yaml:"url"`
	Retention sessionstore.Retention `yaml:"retention"`
}

type SubagentsConfig struct {
	MaxDepth     int                            `yaml:"max_depth"`
	SummaryLimit int                            `yaml:"summary_limit"`
	Definitions  []agentloop.SubagentDefinition `yaml:"definitions"`
}

type ShellConfig struct {
	DefaultTimeoutMS int `yaml:"default_timeout_ms"`
	MaxTimeoutMS     int `yaml:"max_timeout_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	loop := agentloop.DefaultConfig("claude-sonnet-4-5")
	return Config{
		Model: ModelConfig{
			Provider:  "anthropic",
			Name:      loop.Model,
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Approval: ApprovalConfig{Policy: string(approval.PolicyOnRequest)},
		Loop: LoopConfig{
			MaxIterations: loop.MaxIterations,
			Parallelism:   loop.Parallelism,
		},
		Context:       contextConfig(),
		LoopDetection: loopdetect.DefaultConfig(),
		Sessions: SessionsConfig{
			Backend:   BackendFile,
			URL:       filepath.Join(stateDir(), "sessions"),
			Retention: sessionstore.Retention{KeepLast: 20},
		},
		Subagents: SubagentsConfig{
			MaxDepth:     loop.MaxSubagentDepth,
			SummaryLimit: loop.SubagentSummaryLimit,
			Definitions:  loop.Subagents,
		},
		MemoryURL: filepath.Join(stateDir(), "memory.json"),
		Shell:     ShellConfig{DefaultTimeoutMS: 10000, MaxTimeoutMS: 600000},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// contextConfig leaves the window size to the model catalog.
func contextConfig() contextmgr.Config {
	cfg := contextmgr.DefaultConfig()
	cfg.ContextWindow = 0
	return cfg
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

// Paths returns the user and project config files for workingDir.
func Paths(workingDir string) []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "relay", "config.yaml"))
	}
	return append(paths, filepath.Join(workingDir, ".relay", "config.yaml"))
}

// Load applies each existing file over Default in order. Missing files are
// skipped; unknown keys are errors.
func Load(paths ...string) (Config, error) {
	cfg := Default()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", p)
		}
		if err := cfg.Merge(data); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", p)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge decodes a YAML document over c. Keys absent from data keep their
// current value; lists are replaced as a whole.
func (c *Config) Merge(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := approval.ParsePolicy(c.Approval.Policy); err != nil {
		add("approval.policy: %v", err)
	}
	if c.Model.Name == "" {
		add("model.name is required")
	}
	if c.Loop.MaxIterations < 1 {
		add("loop.max_iterations must be at least 1")
	}
	if c.Loop.Parallelism < 1 {
		add("loop.parallelism must be at least 1")
	}
	if r := c.Context.ThresholdRatio; r <= 0 || r > 1 {
		add("context.threshold_ratio must be in (0, 1], got %v", r)
	}
	if c.Context.ContextWindow < 0 {
		add("context.context_window must not be negative")
	}
	if c.Context.KeepRecent < 1 {
		add("context.keep_recent must be at least 1")
	}
	if c.LoopDetection.Threshold < 2 {
		add("loop_detection.threshold must be at least 2")
	}
	if c.LoopDetection.Window < c.LoopDetection.Threshold {
		add("loop_detection.window must be at least the threshold")
	}
	switch c.Sessions.Backend {
	case BackendFile, BackendSQLite:
	default:
		add("sessions.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Sessions.Backend)
	}
	if c.Sessions.Retention.KeepLast < 0 || c.Sessions.Retention.MaxAge < 0 {
		add("sessions.retention values must not be negative")
	}
	if c.Subagents.MaxDepth < 0 {
		add("subagents.max_depth must not be negative")
	}
	seen := map[string]bool{}
	for i, d := range c.Subagents.Definitions {
		if d.Name == "" {
			add("subagents.definitions[%d]: name is required", i)
		} else if seen[d.Name] {
			add("subagents.definitions[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}
	for i, h := range c.Hooks {
		if err := h.Validate(); err != nil {
			add("hooks[%d]: %v", i, err)
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add("log.format must be console or json, got %q", c.Log.Format)
	}

	if len(problems) > 0 {
		return errors.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// ContextConfig returns the context settings with the window size resolved
// from the model catalog unless it is set explicitly.
func (c Config) ContextConfig() contextmgr.Config {
	cfg := c.Context
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = llm.ContextWindow(c.Model.Name)
	}
	return cfg
}

// AgentConfig builds the loop settings.
func (c Config) AgentConfig() agentloop.Config {
	cfg := agentloop.DefaultConfig(c.Model.Name)
	cfg.Provider = c.Model.Provider
	cfg.Temperature = c.Model.Temperature
	cfg.MaxTokens = c.Model.MaxTokens
	cfg.MaxIterations = c.Loop.MaxIterations
	cfg.FailFastOnDenial = c.Approval.FailFast
	cfg.ParallelTools = c.Loop.ParallelTools
	cfg.Parallelism = c.Loop.Parallelism
	cfg.DeveloperInstructions = c.DeveloperInstructions
	cfg.MaxSubagentDepth = c.Subagents.MaxDepth
	cfg.SubagentSummaryLimit = c.Subagents.SummaryLimit
	cfg.Subagents = c.Subagents.Definitions
	return cfg
}
