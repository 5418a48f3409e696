// Package config defines the runtime configuration: a single JSON5 file
// overlaid with environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration for the nanoclaw runtime.
type Config struct {
	Agent     AgentConfig               `json:"agent"`
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Channels  ChannelsConfig            `json:"channels"`
	Tools     ToolsConfig               `json:"tools"`
	Cron      CronConfig                `json:"cron"`
	Heartbeat HeartbeatConfig           `json:"heartbeat"`
}

// AgentConfig holds agent loop defaults and prompt budgets.
type AgentConfig struct {
	Workspace         string   `json:"workspace"`
	Model             string   `json:"model"`
	FallbackModels    []string `json:"fallback_models,omitempty"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	MaxToolIterations int      `json:"max_tool_iterations"`

	// MemoryScope selects retrieval attribution: "session" or "user".
	MemoryScope string `json:"memory_scope"`

	MaxConcurrentMessages int `json:"max_concurrent_messages"`

	// Prompt budgets (characters).
	MemoryMaxChars    int `json:"memory_max_chars"`
	SkillsMaxChars    int `json:"skills_max_chars"`
	BootstrapMaxChars int `json:"bootstrap_max_chars"`
	HistoryMaxChars   int `json:"history_max_chars"`

	// HistoryRetention bounds the persisted transcript: sessions are trimmed
	// to 2x this value once exceeded.
	HistoryRetention int `json:"history_retention"`

	// ToolErrorBackoff is the consecutive tool-error streak that aborts a run.
	ToolErrorBackoff int `json:"tool_error_backoff"`

	// Verbosity controls status message throttling: "quiet", "normal", "verbose".
	Verbosity string `json:"verbosity"`

	// max_tokens auto-tuning.
	AutoTuneMaxTokens bool    `json:"auto_tune_max_tokens"`
	InitialMaxTokens  int     `json:"initial_max_tokens,omitempty"`
	AutoTuneStep      int     `json:"auto_tune_step"`
	AutoTuneThreshold float64 `json:"auto_tune_threshold"`
	AutoTuneStreak    int     `json:"auto_tune_streak"`

	// Subagent prompt budgets and limits.
	SubagentBootstrapChars int `json:"subagent_bootstrap_chars"`
	SubagentMemoryChars    int `json:"subagent_memory_chars"`
	SubagentSkillsChars    int `json:"subagent_skills_chars"`
	SubagentContextChars   int `json:"subagent_context_chars"`
	SubagentTimeoutS       int `json:"subagent_timeout_s"`

	// EncourageDelegation injects the spawn-subagents policy paragraph into
	// the identity prompt. Kept configurable.
	EncourageDelegation bool `json:"encourage_delegation"`

	// TrustedSessionOverrideChannels may rewrite session_key via metadata.
	TrustedSessionOverrideChannels []string `json:"trusted_session_override_channels,omitempty"`
}

// ProviderConfig holds one LLM provider entry.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`

	// ModelPrefix is prepended to unprefixed model names (OpenRouter-style
	// providers require "vendor/model" identifiers).
	ModelPrefix string `json:"model_prefix,omitempty"`
}

// ChannelsConfig holds per-channel transport settings.
type ChannelsConfig struct {
	WebUI    WebUIConfig    `json:"webui"`
	Telegram TelegramConfig `json:"telegram"`
}

// ChannelCommon is shared by all channel configs.
type ChannelCommon struct {
	Enabled    bool     `json:"enabled"`
	AllowFrom  []string `json:"allow_from,omitempty"`
	RateLimitS float64  `json:"rate_limit_s,omitempty"` // min seconds between messages per sender
}

type WebUIConfig struct {
	ChannelCommon
	Host string `json:"host"`
	Port int    `json:"port"`

	// AuthToken is required when binding to a non-loopback host.
	AuthToken string `json:"auth_token,omitempty"`
}

type TelegramConfig struct {
	ChannelCommon
	Token string `json:"token,omitempty"`
}

// ToolsConfig holds tool settings and credentials.
type ToolsConfig struct {
	Exec         ExecToolConfig `json:"exec"`
	AllowedTools []string       `json:"allowed_tools,omitempty"` // empty = all

	BraveAPIKey     string `json:"brave_api_key,omitempty"`
	FirecrawlAPIKey string `json:"firecrawl_api_key,omitempty"`
}

type ExecToolConfig struct {
	TimeoutS            int  `json:"timeout"`
	RestrictToWorkspace bool `json:"restrict_to_workspace"`
}

// CronConfig configures the cron service.
type CronConfig struct {
	Enabled  bool   `json:"enabled"`
	JobsFile string `json:"jobs_file,omitempty"` // default: <workspace>/cron/jobs.json
}

// HeartbeatConfig configures the heartbeat service.
type HeartbeatConfig struct {
	Enabled   bool `json:"enabled"`
	IntervalS int  `json:"interval_s"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:             "~/.nanoclaw/workspace",
			Model:                 "anthropic/claude-sonnet-4-5",
			MaxTokens:             8192,
			Temperature:           0.7,
			MaxToolIterations:     20,
			MemoryScope:           "session",
			MaxConcurrentMessages: 4,
			MemoryMaxChars:        6000,
			SkillsMaxChars:        16000,
			BootstrapMaxChars:     24000,
			HistoryMaxChars:       60000,
			HistoryRetention:      100,
			ToolErrorBackoff:      3,
			Verbosity:             "normal",
			AutoTuneStep:          1024,
			AutoTuneThreshold:     0.8,
			AutoTuneStreak:        3,
			SubagentBootstrapChars: 4000,
			SubagentMemoryChars:    3000,
			SubagentSkillsChars:    4000,
			SubagentContextChars:   6000,
			SubagentTimeoutS:       300,
			EncourageDelegation:    true,
			TrustedSessionOverrideChannels: []string{"cron", "system"},
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{
				ChannelCommon: ChannelCommon{Enabled: true},
				Host:          "127.0.0.1",
				Port:          18890,
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				TimeoutS:            60,
				RestrictToWorkspace: true,
			},
		},
		Heartbeat: HeartbeatConfig{IntervalS: 1800},
	}
}

// WorkspacePath returns the expanded workspace directory.
func (c *Config) WorkspacePath() string {
	return expandHome(c.Agent.Workspace)
}

// MemoryDBPath returns the SQLite path for the memory index.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.WorkspacePath(), "memory", "index.db")
}

// SessionsDir returns the session transcript directory.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.WorkspacePath(), "sessions")
}

// CronJobsFile returns the cron jobs file path.
func (c *Config) CronJobsFile() string {
	if c.Cron.JobsFile != "" {
		return expandHome(c.Cron.JobsFile)
	}
	return filepath.Join(c.WorkspacePath(), "cron", "jobs.json")
}

// TrustsSessionOverride reports whether a channel may override session_key
// via inbound metadata.
func (c *Config) TrustsSessionOverride(channel string) bool {
	for _, ch := range c.Agent.TrustedSessionOverrideChannels {
		if ch == channel {
			return true
		}
	}
	return false
}

// ExecTimeout returns the shell tool timeout.
func (c *Config) ExecTimeout() time.Duration {
	if c.Tools.Exec.TimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Tools.Exec.TimeoutS) * time.Second
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
