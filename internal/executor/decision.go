// Package executor drives action plans: it owns the per-plan execution
// cursor and the table of tracked processes, spawns step commands via
// the service sink, and reports step results back into the dispatcher.
package executor

import (
	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
)

// DecisionKind tags engine output consumed by the executor.
type DecisionKind string

const (
	// DecisionActivate starts a plan: startup/instant steps fire and the
	// sequential cursor begins advancing.
	DecisionActivate DecisionKind = "activate"
	// DecisionResult forwards a StepResult the engine observed on the
	// dispatcher back to executor bookkeeping.
	DecisionResult DecisionKind = "result"
	// DecisionExitIdle runs pending resume steps and resets cursors;
	// activations still holding a tracked process defer their reset
	// until the process is reaped.
	DecisionExitIdle DecisionKind = "exit_idle"
	// DecisionClearTracked releases a tracked lock process after an
	// explicit resume command, letting the cursor advance.
	DecisionClearTracked DecisionKind = "clear_tracked"
	// DecisionTriggerStep forces one named step to run now.
	DecisionTriggerStep DecisionKind = "trigger_step"
	// DecisionNotify asks the service sink for a user notification.
	DecisionNotify DecisionKind = "notify"
	// DecisionRunCommand runs a one-off command outside any plan
	// (pre-suspend hook, lid actions).
	DecisionRunCommand DecisionKind = "run_command"
	// DecisionShutdown terminates tracked processes with a bounded grace
	// period and stops the executor loop.
	DecisionShutdown DecisionKind = "shutdown"
)

// Decision is the engine's instruction stream to the executor. Plans are
// pinned values copied from the profile active at decision time; a
// config reload never rewrites an in-flight decision.
type Decision struct {
	Kind    DecisionKind
	Plan    *config.Plan
	Profile string
	Step    *event.StepResult
	StepID  string
	Message string
	Command string
	Reply   chan event.Reply
}

// Status is a point-in-time view of executor state used by info probes.
type Status struct {
	TrackedPID  int
	TrackedStep string
	ActivePlans []string
	FiredPlans  []string
}
