package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmirror/internal/config"
	"github.com/marcus/taskmirror/internal/output"
)

var daemonPIDFile string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		if daemonPIDFile != "" {
			pid := os.Getpid()
			if err := os.WriteFile(daemonPIDFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
				return fmt.Errorf("write pid file: %w", err)
			}
			defer os.Remove(daemonPIDFile)
			slog.Info("daemon started", "pid", pid, "pid_file", daemonPIDFile)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("sync daemon running",
			"sources", len(cfg.UpstreamSources),
			"poll_interval_s", cfg.PollIntervalSeconds,
			"db", cfg.DatabasePath)

		if err := rt.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			output.Error("daemon failed: %v", err)
			return err
		}
		output.Success("daemon stopped cleanly")
		return nil
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonPIDFile, "pid-file", "taskmirror.pid", "write the daemon PID to this file")
	rootCmd.AddCommand(daemonCmd)
}
