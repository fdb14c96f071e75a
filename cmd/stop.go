package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmirror/internal/output"
)

var stopPIDFile string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running daemon to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(stopPIDFile)
		if err != nil {
			return fmt.Errorf("read pid file: %w", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("parse pid file %s: %w", stopPIDFile, err)
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		output.Success("sent SIGTERM to daemon (pid %d)", pid)
		return nil
	},
}

func init() {
	stopCmd.Flags().StringVar(&stopPIDFile, "pid-file", "taskmirror.pid", "pid file written by the daemon")
	rootCmd.AddCommand(stopCmd)
}
