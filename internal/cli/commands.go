package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/idlewatch/idlewatch/internal/event"
)

var infoJSON bool

func init() {
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "print machine-readable state")
	rootCmd.AddCommand(
		infoCmd,
		pauseCmd,
		resumeCmd,
		toggleInhibitCmd,
		triggerCmd,
		listCmd,
		profileCmd,
		reloadCmd,
		stopCmd,
	)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the daemon's current state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := client().Info(cmd.Context())
		if err != nil {
			return err
		}
		if resp.Info == nil {
			return fmt.Errorf("daemon returned no state")
		}
		if infoJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Info)
		}
		printInfo(resp.Info)
		return nil
	},
}

func printInfo(snap *event.Snapshot) {
	fmt.Printf("phase:          %s (since %s)\n", snap.Phase, snap.Since.Format(time.Kitchen))
	fmt.Printf("profile:        %s\n", snap.Profile)
	if snap.Deadline != nil {
		fmt.Printf("next action:    %s in %s\n", snap.NextPlan, snap.PendingTimerIn)
	}
	if snap.PausedUntil != nil {
		fmt.Printf("paused until:   %s\n", snap.PausedUntil.Format(time.RFC1123))
	}
	fmt.Printf("manual inhibit: %v\n", snap.ManualInhibit)
	fmt.Printf("media:          %s\n", snap.MediaState)
	if snap.TrackedPID != 0 {
		fmt.Printf("tracked pid:    %d\n", snap.TrackedPID)
	}
	if len(snap.FiredPlans) > 0 {
		fmt.Printf("fired plans:    %s\n", strings.Join(snap.FiredPlans, ", "))
	}
	if len(snap.Inhibitors) == 0 {
		fmt.Println("inhibitors:     none")
		return
	}
	fmt.Println("inhibitors:")
	for _, in := range snap.Inhibitors {
		fmt.Println("  - " + in)
	}
}

var pauseCmd = &cobra.Command{
	Use:   "pause [for <duration> | until <time>]",
	Short: "Pause idle handling, optionally until a deadline",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		until, err := parsePauseArgs(args, time.Now())
		if err != nil {
			return err
		}
		return report(client().Pause(cmd.Context(), until))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume idle handling and release any held lock step",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return report(client().Resume(cmd.Context()))
	},
}

var toggleInhibitCmd = &cobra.Command{
	Use:   "toggle-inhibit",
	Short: "Toggle the manual inhibitor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return report(client().ToggleInhibit(cmd.Context()))
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <step|all>",
	Short: "Run one plan step now, or the whole ladder with 'all'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(client().Trigger(cmd.Context(), args[0]))
	},
}

var listCmd = &cobra.Command{
	Use:   "list <actions|profiles>",
	Short: "List configured action steps or profiles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch strings.ToLower(args[0]) {
		case "actions":
			return report(client().Actions(cmd.Context()))
		case "profiles":
			return report(client().Profiles(cmd.Context()))
		default:
			return fmt.Errorf("%w: list expects 'actions' or 'profiles'", ErrUsage)
		}
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <name|none>",
	Short: "Switch the active profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return report(client().SetProfile(cmd.Context(), args[0]))
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return report(client().Reload(cmd.Context()))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return report(client().Stop(cmd.Context()))
	},
}
