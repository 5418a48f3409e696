package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/session"
	"github.com/nanoclaw/nanoclaw/internal/skills"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configured runtime state",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("workspace:  %s\n", cfg.WorkspacePath())
			fmt.Printf("model:      %s\n", cfg.Agent.Model)
			fmt.Printf("memory db:  %s\n", cfg.MemoryDBPath())

			fmt.Print("channels:  ")
			var enabled []string
			if cfg.Channels.WebUI.Enabled {
				enabled = append(enabled, fmt.Sprintf("webui (%s:%d)", cfg.Channels.WebUI.Host, cfg.Channels.WebUI.Port))
			}
			if cfg.Channels.Telegram.Enabled {
				enabled = append(enabled, "telegram")
			}
			if len(enabled) == 0 {
				fmt.Println(" none")
			} else {
				for _, c := range enabled {
					fmt.Printf(" %s", c)
				}
				fmt.Println()
			}

			if store, err := session.NewStore(cfg.SessionsDir(), cfg.Agent.HistoryRetention); err == nil {
				fmt.Printf("sessions:   %d\n", len(store.ListSessions()))
			}

			loader := skills.NewLoader(cfg.WorkspacePath(), "")
			gate := skills.NewGate()
			var available, total int
			for _, s := range loader.List() {
				total++
				if len(gate.Missing(s.Meta.Requires)) == 0 {
					available++
				}
			}
			fmt.Printf("skills:     %d (%d available)\n", total, available)

			fmt.Printf("cron:       enabled=%t jobs_file=%s\n", cfg.Cron.Enabled, cfg.CronJobsFile())
			fmt.Printf("heartbeat:  enabled=%t interval=%ds\n", cfg.Heartbeat.Enabled, cfg.Heartbeat.IntervalS)
		},
	}
}
