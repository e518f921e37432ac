package engine

import (
	"time"

	"github.com/idlewatch/idlewatch/internal/config"
)

// evaluate recomputes the phase from the full inhibitor/pause/profile
// picture and arms exactly one wakeup timer for the earliest pending
// event. Every state mutation funnels through here before the engine
// goes back to sleep.
func (e *Engine) evaluate(now time.Time) {
	nextExpiry := e.purgeExpired(now)

	if e.paused {
		e.setPhase(PhasePaused, now)
		e.rearm(e.pausedUntil)
		return
	}

	hardInhibit := e.manualInhibit || e.hasPersistentInhibitor()
	blocked := hardInhibit || e.mediaBlocking() || e.suspending || !nextExpiry.IsZero()

	if blocked {
		if e.thresholdIdx > 0 || e.phase == PhaseIdle {
			// A running idle cycle ends the moment anything inhibits.
			e.backToActive(now)
		}
		if hardInhibit {
			e.setPhase(PhaseInhibited, now)
		} else {
			e.setPhase(PhaseActive, now)
		}
		e.countdownStart = now
		e.rearm(nextExpiry)
		return
	}

	if e.profile == nil || len(e.profile.Timeouts) == 0 {
		e.setPhase(PhaseActive, now)
		e.rearm(time.Time{})
		return
	}

	if e.thresholdIdx >= len(e.profile.Timeouts) {
		e.setPhase(PhaseIdle, now)
		e.rearm(time.Time{})
		return
	}

	// Leaving Paused keeps the shifted cycle start so the countdown
	// resumes exactly where it was interrupted.
	if e.phase == PhaseActive || e.phase == PhaseInhibited {
		e.countdownStart = now
		e.thresholdIdx = 0
		e.notifiedIdx = -1
	}
	e.setPhase(PhaseCountingDown, now)

	// Thresholds are cumulative from the cycle start, so rung N fires at
	// countdownStart+threshold[N] regardless of when rung N-1 ran.
	to := e.profile.Timeouts[e.thresholdIdx]
	e.deadline = e.countdownStart.Add(to.Threshold)
	e.notifyAt = e.notifyTime(to.Plan)

	wake := e.deadline
	if !e.notifyAt.IsZero() && e.notifiedIdx < e.thresholdIdx && e.notifyAt.Before(wake) && e.notifyAt.After(now) {
		wake = e.notifyAt
	}
	e.rearm(wake)
}

// notifyTime returns when the pre-action warning for the current rung
// is due, or zero when the rung's plan has no notifying step.
func (e *Engine) notifyTime(planName string) time.Time {
	plan := e.planFor(planName)
	if plan == nil {
		return time.Time{}
	}
	for _, step := range plan.Steps {
		if step.Kind == config.StepSequential && step.NotifyBefore > 0 {
			return e.deadline.Add(-step.NotifyBefore)
		}
	}
	return time.Time{}
}

// purgeExpired drops lapsed expiring inhibitors and returns the next
// expiry instant among the survivors, or zero when none expire.
func (e *Engine) purgeExpired(now time.Time) time.Time {
	var next time.Time
	for id, in := range e.inhibitors {
		if in.expiresAt.IsZero() {
			continue
		}
		if !in.expiresAt.After(now) {
			delete(e.inhibitors, id)
			continue
		}
		if next.IsZero() || in.expiresAt.Before(next) {
			next = in.expiresAt
		}
	}
	return next
}

// mediaBlocking reports whether playback holds the countdown. Only a
// media-aware profile honors the recorded playback state.
func (e *Engine) mediaBlocking() bool {
	return e.mediaActive && e.profile != nil && e.profile.MediaAware
}

func (e *Engine) hasPersistentInhibitor() bool {
	for _, in := range e.inhibitors {
		if in.expiresAt.IsZero() {
			return true
		}
	}
	return false
}

func (e *Engine) setPhase(p Phase, now time.Time) {
	if e.phase == p {
		return
	}
	e.log.Info().Str("from", string(e.phase)).Str("to", string(p)).Msg("phase change")
	e.phase = p
	e.since = now
}

// rearm replaces the pending wakeup. Bumping the generation first means
// an already-fired timer callback delivers a stale ID and gets dropped.
func (e *Engine) rearm(at time.Time) {
	e.timerGen++
	e.schedule(at, e.timerGen)
}
