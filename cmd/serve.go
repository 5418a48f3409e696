package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/agent"
	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/channels"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/cron"
	"github.com/nanoclaw/nanoclaw/internal/heartbeat"
	"github.com/nanoclaw/nanoclaw/internal/memory"
	"github.com/nanoclaw/nanoclaw/internal/providers"
	"github.com/nanoclaw/nanoclaw/internal/session"
	"github.com/nanoclaw/nanoclaw/internal/skills"
	"github.com/nanoclaw/nanoclaw/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime (channels, agent loop, cron, heartbeat)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		slog.Error("provider setup failed", "error", err)
		os.Exit(1)
	}

	mem, err := memory.Open(cfg.MemoryDBPath())
	if err != nil {
		slog.Error("failed to open memory index", "error", err)
		os.Exit(1)
	}
	defer mem.Close()

	store, err := session.NewStore(cfg.SessionsDir(), cfg.Agent.HistoryRetention)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}

	loader := skills.NewLoader(workspace, "")
	msgBus := bus.NewMessageBus()
	base := buildToolRegistry(cfg)

	subagents := tools.NewSubagentManager(
		provider,
		msgBus,
		base.Clone,
		agent.SubagentPromptBuilder(cfg, mem, loader),
		tools.SubagentConfig{
			Model:        cfg.Agent.Model,
			MaxTokens:    cfg.Agent.MaxTokens,
			Temperature:  cfg.Agent.Temperature,
			ErrorBackoff: cfg.Agent.ToolErrorBackoff,
			Timeout:      time.Duration(cfg.Agent.SubagentTimeoutS) * time.Second,
		},
	)

	builder := agent.NewContextBuilder(cfg, mem, loader)
	loop := agent.NewLoop(cfg, msgBus, provider, store, builder, base, subagents)

	manager := channels.NewManager(msgBus)
	if cfg.Channels.WebUI.Enabled {
		manager.Register(channels.NewWebUI(cfg.Channels.WebUI, msgBus))
	}
	if cfg.Channels.Telegram.Enabled {
		tg, err := channels.NewTelegram(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram setup failed", "error", err)
			os.Exit(1)
		}
		manager.Register(tg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go loop.Run(ctx)
	if err := manager.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
		os.Exit(1)
	}

	if cfg.Cron.Enabled {
		svc, err := cron.NewService(cfg.CronJobsFile(), cronAgentCallback(msgBus))
		if err != nil {
			slog.Error("cron setup failed", "error", err)
			os.Exit(1)
		}
		go svc.Run(ctx)
	}
	if cfg.Heartbeat.Enabled {
		hb := heartbeat.NewService(workspace,
			time.Duration(cfg.Heartbeat.IntervalS)*time.Second,
			heartbeatAgentCallback(msgBus))
		go hb.Run(ctx)
	}

	slog.Info("nanoclaw running", "workspace", workspace, "model", cfg.Agent.Model, "channels", manager.Names())
	<-ctx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.StopAll(shutdownCtx)
	store.Flush()
}

// buildProvider picks the configured LLM provider, preferring openrouter.
func buildProvider(cfg *config.Config) (providers.Provider, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if p.APIKey != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no provider with an api_key configured (set providers.openrouter.api_key)")
	}
	sort.Strings(names)
	name := names[0]
	for _, n := range names {
		if n == "openrouter" {
			name = n
			break
		}
	}

	p := cfg.Providers[name]
	provider := providers.NewOpenAIProvider(name, p.APIKey, p.APIBase, cfg.Agent.Model).
		WithModelPrefix(p.ModelPrefix).
		WithFallbackModels(cfg.Agent.FallbackModels)
	return provider, nil
}

// buildToolRegistry assembles the base tool set shared by all requests.
func buildToolRegistry(cfg *config.Config) *tools.Registry {
	workspace := cfg.WorkspacePath()
	restrict := cfg.Tools.Exec.RestrictToWorkspace

	reg := tools.NewRegistry()
	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewEditFileTool(workspace, restrict))
	reg.Register(tools.NewListDirTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, cfg.ExecTimeout(), restrict))
	reg.Register(tools.NewWebSearchTool(cfg.Tools.BraveAPIKey))
	reg.Register(tools.NewWebFetchTool())
	if cfg.Tools.FirecrawlAPIKey != "" {
		reg.Register(tools.NewFirecrawlTool(cfg.Tools.FirecrawlAPIKey))
	}
	if len(cfg.Tools.AllowedTools) > 0 {
		reg.SetAllowed(cfg.Tools.AllowedTools)
	}
	return reg
}

// cronAgentCallback turns a fired job into an inbound agent message. Jobs
// with deliver set route their reply to the payload's channel and chat via
// the system-channel convention; others run in a private cron session.
func cronAgentCallback(msgBus *bus.MessageBus) cron.Callback {
	return func(ctx context.Context, job cron.Job) (string, error) {
		msg := bus.InboundMessage{
			Channel:  "cron",
			SenderID: "cron",
			ChatID:   "cron:" + job.ID,
			Content:  job.Payload.Message,
			Metadata: map[string]any{"session_key": "cron:" + job.ID},
		}
		if job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" {
			msg.Channel = "system"
			msg.ChatID = job.Payload.Channel + ":" + job.Payload.To
		}
		msgBus.PublishInbound(msg)
		return "enqueued", nil
	}
}

func heartbeatAgentCallback(msgBus *bus.MessageBus) heartbeat.Callback {
	return func(ctx context.Context, prompt string) error {
		msgBus.PublishInbound(bus.InboundMessage{
			Channel:  "cron",
			SenderID: "heartbeat",
			ChatID:   "heartbeat",
			Content:  prompt,
			Metadata: map[string]any{"session_key": "cron:heartbeat"},
		})
		return nil
	}
}
