package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmirror/internal/config"
	"github.com/marcus/taskmirror/internal/output"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync pass and exit",
	Long: `Fetches every open issue assigned to you, mirrors the changes into the
task manager, checks once for completed tasks, and exits.`,
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

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := rt.scheduler.RunOnce(ctx); err != nil {
			output.Error("sync failed: %v", err)
			return err
		}
		output.Success("sync completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
