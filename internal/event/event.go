// Package event defines the normalized event vocabulary shared by all
// signal sources, the decision engine, and the action executor, plus the
// ordered dispatcher that merges them into a single stream.
package event

import "time"

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindInhibitorAdded   Kind = "inhibitor_added"
	KindInhibitorRemoved Kind = "inhibitor_removed"
	KindMediaChanged     Kind = "media_changed"
	KindLid              Kind = "lid"
	KindSuspend          Kind = "suspend"
	KindCommand          Kind = "command"
	KindStepResult       Kind = "step_result"
	KindTimerFired       Kind = "timer_fired"
)

// MediaState is the normalized playback state reported by the media
// aggregator.
type MediaState string

const (
	MediaActive   MediaState = "active"
	MediaPaused   MediaState = "paused"
	MediaMuted    MediaState = "muted"
	MediaInactive MediaState = "inactive"
)

type LidState string

const (
	LidOpen   LidState = "open"
	LidClosed LidState = "closed"
)

type SuspendPhase string

const (
	SuspendPre  SuspendPhase = "pre"
	SuspendPost SuspendPhase = "post"
)

// InhibitorChange describes an inhibitor assertion or retraction. At most
// one inhibitor exists per source id; re-adding overwrites.
type InhibitorChange struct {
	SourceID string
	Reason   string
	// ExpiresAt, when non-zero, bounds the inhibitor's lifetime. Expired
	// inhibitors no longer force the session active.
	ExpiresAt time.Time
	// Degraded marks a retraction made under reduced accuracy, e.g. after
	// an adapter stayed disconnected past its unavailability budget.
	Degraded bool
}

// StepOutcome is the terminal (or lock-start) report for one plan step.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailure StepOutcome = "failure"
	// OutcomeStarted is reported for lock-class steps once their process
	// is spawned and tracked; the reap arrives later as success/failure.
	OutcomeStarted StepOutcome = "started"
)

// StepResult flows from the executor back into the dispatcher, closing
// the loop. The engine forwards it to executor bookkeeping untouched.
type StepResult struct {
	ActivationID string
	StepID       string
	Outcome      StepOutcome
	ExitCode     int
	Err          string
}

// Event is the immutable unit merged by the Dispatcher. Exactly one
// payload field is meaningful, selected by Kind.
type Event struct {
	Source string
	Kind   Kind
	At     time.Time

	Inhibitor *InhibitorChange
	Media     MediaState
	Lid       LidState
	Suspend   SuspendPhase
	Command   *Command
	Step      *StepResult
	TimerID   uint64
}

// Sink accepts events from signal sources. Push blocks when the
// dispatcher queue is full; inhibitor correctness depends on never
// silently dropping a retraction.
type Sink interface {
	Push(Event)
}
