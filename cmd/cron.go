package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronRunCmd())
	return cmd
}

// openCronService loads the jobs file without an agent callback; job
// execution from the CLI prints instead of enqueueing an agent turn.
func openCronService() *cron.Service {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	svc, err := cron.NewService(cfg.CronJobsFile(), func(ctx context.Context, job cron.Job) (string, error) {
		fmt.Printf("job %s (%s): %s\n", job.ID, job.Name, job.Payload.Message)
		return "printed", nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load jobs: %v\n", err)
		os.Exit(1)
	}
	return svc
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			jobs := openCronService().ListJobs()
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return
			}
			for _, job := range jobs {
				next := "-"
				if job.State.NextRunAtMS != nil {
					next = time.UnixMilli(*job.State.NextRunAtMS).Local().Format(time.RFC3339)
				}
				status := job.State.LastStatus
				if status == "" {
					status = "never run"
				}
				fmt.Printf("%s  %-20s enabled=%-5t next=%s last=%s\n", job.ID, job.Name, job.Enabled, next, status)
			}
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name           string
		every          time.Duration
		expr           string
		at             string
		tz             string
		message        string
		deliver        bool
		to             string
		channel        string
		deleteAfterRun bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job (one of --every, --cron or --at)",
		Run: func(cmd *cobra.Command, args []string) {
			schedule := cron.Schedule{TZ: tz}
			switch {
			case every > 0:
				schedule.Kind = "every"
				schedule.EveryMS = every.Milliseconds()
			case expr != "":
				schedule.Kind = "cron"
				schedule.Expr = expr
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					fmt.Fprintf(os.Stderr, "invalid --at time (want RFC3339): %v\n", err)
					os.Exit(1)
				}
				schedule.Kind = "at"
				schedule.AtMS = t.UnixMilli()
			default:
				fmt.Fprintln(os.Stderr, "one of --every, --cron or --at is required")
				os.Exit(1)
			}

			payload := cron.Payload{
				Type:    "agent_turn",
				Message: message,
				Deliver: deliver,
				To:      to,
				Channel: channel,
			}
			job, err := openCronService().AddJob(name, schedule, payload, deleteAfterRun)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to add job: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("added job %s\n", job.ID)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().DurationVar(&every, "every", 0, "recurring interval (e.g. 30m)")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression (e.g. \"0 9 * * *\")")
	cmd.Flags().StringVar(&at, "at", "", "one-shot time, RFC3339")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --cron (default UTC)")
	cmd.Flags().StringVar(&message, "message", "", "message the agent receives when the job fires")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the agent's reply to --channel/--to")
	cmd.Flags().StringVar(&to, "to", "", "chat id for delivery")
	cmd.Flags().StringVar(&channel, "channel", "", "channel for delivery")
	cmd.Flags().BoolVar(&deleteAfterRun, "delete-after-run", false, "remove the job after it runs once")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if !openCronService().RemoveJob(args[0]) {
				fmt.Fprintf(os.Stderr, "job %s not found\n", args[0])
				os.Exit(1)
			}
			fmt.Println("removed")
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a job immediately (ignores its schedule)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := openCronService().RunJob(cmd.Context(), args[0], true); err != nil {
				fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
				os.Exit(1)
			}
		},
	}
}
