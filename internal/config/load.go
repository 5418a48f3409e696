package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	envStr("NANOCLAW_WORKSPACE", &c.Agent.Workspace)
	envStr("NANOCLAW_MODEL", &c.Agent.Model)
	envInt("NANOCLAW_MAX_TOKENS", &c.Agent.MaxTokens)
	envInt("NANOCLAW_MAX_TOOL_ITERATIONS", &c.Agent.MaxToolIterations)
	envInt("NANOCLAW_MAX_CONCURRENT_MESSAGES", &c.Agent.MaxConcurrentMessages)
	envStr("NANOCLAW_MEMORY_SCOPE", &c.Agent.MemoryScope)
	envBool("NANOCLAW_RESTRICT_TO_WORKSPACE", &c.Tools.Exec.RestrictToWorkspace)
	envInt("NANOCLAW_EXEC_TIMEOUT", &c.Tools.Exec.TimeoutS)
	envStr("NANOCLAW_BRAVE_API_KEY", &c.Tools.BraveAPIKey)
	envStr("NANOCLAW_FIRECRAWL_API_KEY", &c.Tools.FirecrawlAPIKey)
	envStr("NANOCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envBool("NANOCLAW_HEARTBEAT_ENABLED", &c.Heartbeat.Enabled)
	envBool("NANOCLAW_CRON_ENABLED", &c.Cron.Enabled)

	// Provider keys: NANOCLAW_<PROVIDER>_API_KEY overlays per-provider entries.
	for name, p := range c.Providers {
		envKey := "NANOCLAW_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
}
