// Package cli implements the idlewatch command-line interface. The
// daemon subcommand runs the watcher itself; everything else talks to a
// running daemon over the control socket.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/control"
	"github.com/idlewatch/idlewatch/internal/daemon"
)

// Exit codes. Scripts depend on these staying stable.
const (
	ExitOK             = 0
	ExitGeneric        = 1
	ExitUsage          = 2
	ExitConfigInvalid  = 3
	ExitSocketConflict = 4
	ExitSourceFailed   = 5
)

// ErrUsage marks command-line misuse (bad arguments, unknown flags).
var ErrUsage = errors.New("usage error")

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "idlewatch",
	Short: "Idle session watcher for Wayland desktops",
	Long: `idlewatch watches desktop signals (focused windows, media playback,
lid and power events) and runs configurable action plans when the
session sits idle past its timeouts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (default: from config)")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})
}

// Execute runs the root command and maps errors to exit codes.
func Execute(version string) {
	rootCmd.Version = version
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, config.ErrConfigInvalid):
		return ExitConfigInvalid
	case errors.Is(err, control.ErrAlreadyRunning):
		return ExitSocketConflict
	case errors.Is(err, daemon.ErrSourceFailed):
		return ExitSourceFailed
	default:
		return ExitGeneric
	}
}

func client() *control.Client {
	path := socketPath
	if path == "" {
		path = config.DefaultSocketPath()
	}
	return control.NewClient(path)
}

// report prints the daemon's answer and converts refusals into errors.
func report(resp control.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Message == "" {
			resp.Message = "request refused"
		}
		return errors.New(resp.Message)
	}
	if resp.Message != "" {
		fmt.Println(resp.Message)
	}
	for _, name := range resp.Names {
		fmt.Println(name)
	}
	return nil
}
