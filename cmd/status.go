package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmirror/internal/config"
	"github.com/marcus/taskmirror/internal/output"
	"github.com/marcus/taskmirror/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mirrored tasks and per-entity errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()

		tasks, err := st.All()
		if err != nil {
			return err
		}
		letters, err := st.DeadLetters()
		if err != nil {
			return err
		}

		fmt.Print(output.RenderStatus(tasks, letters))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
