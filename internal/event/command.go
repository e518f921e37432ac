package event

import "time"

// CommandName enumerates the manual control commands and synchronous
// probes injected through the control channel.
type CommandName string

const (
	CmdPause         CommandName = "pause"
	CmdResume        CommandName = "resume"
	CmdToggleInhibit CommandName = "toggle-inhibit"
	CmdTrigger       CommandName = "trigger"
	CmdReload        CommandName = "reload"
	CmdStop          CommandName = "stop"
	CmdInfo          CommandName = "info"
	CmdListActions   CommandName = "list-actions"
	CmdListProfiles  CommandName = "list-profiles"
	CmdSetProfile    CommandName = "profile"
)

// Command is a manual command or probe. Probes and commands that report
// back to the caller carry a Reply channel; the engine answers on it
// instead of exposing its state for direct reads.
type Command struct {
	Name CommandName
	// Arg is the trigger target (step id or "all") or the profile name.
	Arg string
	// Until bounds a pause; zero means pause indefinitely.
	Until time.Time
	Reply chan Reply
}

// Reply answers a Command synchronously over its dedicated channel.
type Reply struct {
	OK      bool
	Message string
	Info    *Snapshot
	Names   []string
}

// Snapshot is the engine's answer to an info probe.
type Snapshot struct {
	Phase          string     `json:"phase"`
	Profile        string     `json:"profile"`
	Since          time.Time  `json:"since"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	PausedUntil    *time.Time `json:"paused_until,omitempty"`
	NextPlan       string     `json:"next_plan,omitempty"`
	Inhibitors     []string   `json:"inhibitors"`
	ManualInhibit  bool       `json:"manual_inhibit"`
	MediaState     string     `json:"media_state"`
	TrackedPID     int        `json:"tracked_pid,omitempty"`
	FiredPlans     []string   `json:"fired_plans,omitempty"`
	PendingTimerIn string     `json:"pending_timer_in,omitempty"`
}

// NewCommand builds a command event with a buffered reply channel so the
// engine never blocks answering a caller that has gone away.
func NewCommand(name CommandName, arg string) Event {
	return Event{
		Source: "control",
		Kind:   KindCommand,
		At:     time.Now(),
		Command: &Command{
			Name:  name,
			Arg:   arg,
			Reply: make(chan Reply, 1),
		},
	}
}
