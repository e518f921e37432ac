package cli

import (
	"github.com/spf13/cobra"

	"github.com/idlewatch/idlewatch/internal/daemon"
)

var daemonOpts daemon.Options

func init() {
	daemonCmd.Flags().StringVar(&daemonOpts.ConfigPath, "config", "", "config file path")
	daemonCmd.Flags().StringVar(&daemonOpts.StatePath, "state", "", "runtime state database path")
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the idle watcher daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		daemonOpts.SocketPath = socketPath
		return daemon.Run(cmd.Context(), daemonOpts)
	},
}
