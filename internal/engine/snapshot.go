package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/idlewatch/idlewatch/internal/event"
)

func (e *Engine) snapshot(now time.Time) *event.Snapshot {
	snap := &event.Snapshot{
		Phase:         string(e.phase),
		Profile:       e.profileName,
		Since:         e.since,
		ManualInhibit: e.manualInhibit,
		MediaState:    "inactive",
		Inhibitors:    []string{},
	}
	if snap.Profile == "" {
		snap.Profile = "none"
	}
	if e.mediaActive {
		snap.MediaState = "active"
	}

	ids := make([]string, 0, len(e.inhibitors))
	for id := range e.inhibitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		in := e.inhibitors[id]
		desc := id
		if in.reason != "" {
			desc += ": " + in.reason
		}
		if !in.expiresAt.IsZero() {
			desc += fmt.Sprintf(" (expires in %s)", in.expiresAt.Sub(now).Round(time.Second))
		}
		snap.Inhibitors = append(snap.Inhibitors, desc)
	}

	if e.paused && !e.pausedUntil.IsZero() {
		until := e.pausedUntil
		snap.PausedUntil = &until
	}
	if e.phase == PhaseCountingDown {
		deadline := e.deadline
		snap.Deadline = &deadline
		snap.PendingTimerIn = deadline.Sub(now).Round(time.Second).String()
		if e.profile != nil && e.thresholdIdx < len(e.profile.Timeouts) {
			snap.NextPlan = e.profile.Timeouts[e.thresholdIdx].Plan
		}
	}

	st := e.runner.Status()
	snap.TrackedPID = st.TrackedPID
	snap.FiredPlans = st.FiredPlans
	return snap
}
