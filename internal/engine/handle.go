package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/executor"
)

func (e *Engine) handle(ev event.Event) {
	now := e.clock()
	switch ev.Kind {
	case event.KindInhibitorAdded:
		if ev.Inhibitor == nil {
			return
		}
		e.inhibitors[ev.Inhibitor.SourceID] = inhibitor{
			reason:    ev.Inhibitor.Reason,
			expiresAt: ev.Inhibitor.ExpiresAt,
		}
		e.log.Debug().Str("source", ev.Inhibitor.SourceID).Str("reason", ev.Inhibitor.Reason).Msg("inhibitor added")
		e.evaluate(now)

	case event.KindInhibitorRemoved:
		if ev.Inhibitor == nil {
			return
		}
		if _, ok := e.inhibitors[ev.Inhibitor.SourceID]; !ok {
			return
		}
		delete(e.inhibitors, ev.Inhibitor.SourceID)
		if ev.Inhibitor.Degraded {
			e.log.Warn().Str("source", ev.Inhibitor.SourceID).Msg("inhibitor retracted with degraded confidence")
		} else {
			e.log.Debug().Str("source", ev.Inhibitor.SourceID).Msg("inhibitor removed")
		}
		e.evaluate(now)

	case event.KindMediaChanged:
		// Always recorded, even under a profile that ignores playback;
		// a later switch to a media-aware profile sees current state.
		active := ev.Media == event.MediaActive
		if active == e.mediaActive {
			return
		}
		e.mediaActive = active
		e.log.Debug().Str("media", string(ev.Media)).Msg("media state changed")
		e.evaluate(now)

	case event.KindLid:
		e.handleLid(ev.Lid, now)

	case event.KindSuspend:
		e.handleSuspend(ev.Suspend, now)

	case event.KindStepResult:
		// Self-transition: forwarded to executor bookkeeping only.
		e.runner.Submit(executor.Decision{Kind: executor.DecisionResult, Step: ev.Step})

	case event.KindTimerFired:
		e.handleTimer(ev.TimerID, now)

	case event.KindCommand:
		e.handleCommand(ev.Command, now)
	}
}

func (e *Engine) handleLid(state event.LidState, now time.Time) {
	switch state {
	case event.LidClosed:
		if e.lidClosed {
			return
		}
		e.lidClosed = true
		if e.profile != nil && e.profile.LidClosePlan != "" {
			if plan := e.planFor(e.profile.LidClosePlan); plan != nil {
				e.log.Info().Str("plan", plan.Name).Msg("lid closed, activating plan")
				e.runner.Submit(executor.Decision{Kind: executor.DecisionActivate, Plan: plan, Profile: e.profileName})
			}
		}
	case event.LidOpen:
		if !e.lidClosed {
			return
		}
		e.lidClosed = false
		e.backToActive(now)
	}
	e.evaluate(now)
}

func (e *Engine) handleSuspend(phase event.SuspendPhase, now time.Time) {
	switch phase {
	case event.SuspendPre:
		if e.suspending {
			return
		}
		e.suspending = true
		if e.profile != nil && e.profile.PreSuspendCommand != "" {
			e.runner.Submit(executor.Decision{Kind: executor.DecisionRunCommand, Command: e.profile.PreSuspendCommand})
		}
	case event.SuspendPost:
		if !e.suspending {
			return
		}
		e.suspending = false
		// Waking from sleep counts as activity; resume steps run and the
		// idle clock restarts.
		e.backToActive(now)
	}
	e.evaluate(now)
}

func (e *Engine) handleTimer(gen uint64, now time.Time) {
	if gen != e.timerGen {
		return // canceled timer raced its own firing
	}
	if e.paused {
		if !e.pausedUntil.IsZero() && !now.Before(e.pausedUntil) {
			e.log.Info().Msg("pause expired")
			e.unpause(now)
			e.persist()
		}
		e.evaluate(now)
		return
	}
	if e.phase == PhaseCountingDown {
		if !e.notifyAt.IsZero() && !now.Before(e.notifyAt) && e.notifiedIdx < e.thresholdIdx {
			e.fireNotify()
		}
		if !e.deadline.IsZero() && !now.Before(e.deadline) {
			e.fireThreshold(now)
		}
	}
	e.evaluate(now)
}

func (e *Engine) fireNotify() {
	to := e.profile.Timeouts[e.thresholdIdx]
	plan := e.planFor(to.Plan)
	if plan == nil {
		return
	}
	for _, step := range plan.Steps {
		if step.Kind != config.StepSequential || step.NotifyBefore <= 0 {
			continue
		}
		msg := step.NotifyMessage
		if msg == "" {
			msg = fmt.Sprintf("Running %s in %s", plan.Name, step.NotifyBefore)
		}
		e.runner.Submit(executor.Decision{Kind: executor.DecisionNotify, Message: msg})
		break
	}
	e.notifiedIdx = e.thresholdIdx
}

// fireThreshold activates the due rung's plan and advances the ladder;
// the final rung transitions to Idle.
func (e *Engine) fireThreshold(now time.Time) {
	to := e.profile.Timeouts[e.thresholdIdx]
	plan := e.planFor(to.Plan)
	if plan != nil {
		e.log.Info().Str("plan", plan.Name).Dur("threshold", to.Threshold).Msg("idle threshold reached")
		e.runner.Submit(executor.Decision{Kind: executor.DecisionActivate, Plan: plan, Profile: e.profileName})
	}
	e.thresholdIdx++
	e.notifyAt = time.Time{}
	if e.thresholdIdx >= len(e.profile.Timeouts) {
		e.setPhase(PhaseIdle, now)
	}
}

// backToActive ends the current idle cycle: resume steps run, the
// ladder rewinds, and the idle clock restarts at now.
func (e *Engine) backToActive(now time.Time) {
	progressed := e.thresholdIdx > 0 || e.phase == PhaseIdle
	if progressed || len(e.runner.Status().ActivePlans) > 0 {
		e.runner.Submit(executor.Decision{Kind: executor.DecisionExitIdle})
	}
	e.thresholdIdx = 0
	e.notifiedIdx = -1
	e.notifyAt = time.Time{}
	e.countdownStart = now
}

func (e *Engine) unpause(now time.Time) {
	if !e.paused {
		return
	}
	e.paused = false
	// Idle-clock accounting excludes the paused span so a pause/resume
	// pair restores the countdown exactly.
	e.countdownStart = e.countdownStart.Add(now.Sub(e.pausedAt))
	e.pausedUntil = time.Time{}
}

func (e *Engine) planFor(name string) *config.Plan {
	cfg := e.cfgSnapshot
	if cfg == nil {
		cfg = e.cfgs.Current()
	}
	return cfg.Plans[name]
}

func (e *Engine) handleCommand(cmd *event.Command, now time.Time) {
	if cmd == nil {
		return
	}
	switch cmd.Name {
	case event.CmdPause:
		e.paused = true
		e.pausedAt = now
		e.pausedUntil = cmd.Until
		e.persist()
		e.evaluate(now)
		msg := "Paused"
		if !cmd.Until.IsZero() {
			msg = "Paused until " + cmd.Until.Format(time.RFC3339)
		}
		e.reply(cmd, event.Reply{OK: true, Message: msg})

	case event.CmdResume:
		wasPaused := e.paused
		e.unpause(now)
		e.runner.Submit(executor.Decision{Kind: executor.DecisionClearTracked})
		if !wasPaused {
			e.backToActive(now)
		}
		e.persist()
		// Re-evaluate the inhibitor set immediately; a stale overdue
		// timer must not fire into the resumed state.
		e.evaluate(now)
		e.reply(cmd, event.Reply{OK: true, Message: "Resumed"})

	case event.CmdToggleInhibit:
		e.manualInhibit = !e.manualInhibit
		e.persist()
		e.evaluate(now)
		state := "off"
		if e.manualInhibit {
			state = "on"
		}
		e.reply(cmd, event.Reply{OK: true, Message: "Manual inhibit " + state})

	case event.CmdSetProfile:
		e.setProfile(cmd, now)

	case event.CmdReload:
		e.reload(cmd, now)

	case event.CmdTrigger:
		e.triggerCmd(cmd)

	case event.CmdInfo:
		e.reply(cmd, event.Reply{OK: true, Info: e.snapshot(now)})

	case event.CmdListActions:
		e.reply(cmd, event.Reply{OK: true, Names: e.listActions()})

	case event.CmdListProfiles:
		e.reply(cmd, event.Reply{OK: true, Names: e.listProfiles()})

	case event.CmdStop:
		e.log.Info().Msg("stop requested")
		e.runner.Submit(executor.Decision{Kind: executor.DecisionShutdown, Reply: cmd.Reply})
		if e.onStop != nil {
			e.onStop()
		}
	}
}

func (e *Engine) setProfile(cmd *event.Command, now time.Time) {
	cfg := e.cfgs.Current()
	prof, err := cfg.Lookup(cmd.Arg)
	if err != nil {
		e.reply(cmd, event.Reply{Message: err.Error()})
		return
	}
	e.cfgSnapshot = cfg
	e.profile = prof
	e.profileName = ""
	if prof != nil {
		e.profileName = prof.Name
	}
	e.backToActive(now)
	e.persist()
	e.pushRules()
	e.evaluate(now)
	shown := e.profileName
	if shown == "" {
		shown = "none"
	}
	e.reply(cmd, event.Reply{OK: true, Message: "Profile set: " + shown})
}

func (e *Engine) reload(cmd *event.Command, now time.Time) {
	cfg, err := e.cfgs.Reload()
	if err != nil {
		e.reply(cmd, event.Reply{Message: err.Error()})
		return
	}
	e.cfgSnapshot = cfg
	msg := "Reloaded"
	if e.profileName != "" {
		if prof, lerr := cfg.Lookup(e.profileName); lerr == nil {
			e.profile = prof
			msg = "Reloaded (profile kept: " + e.profileName + ")"
		} else {
			e.profile = nil
			e.profileName = ""
			msg = "Reloaded (profile missing; switched to none)"
		}
	} else if e.profile != nil {
		// Unnamed default profile selection follows the file.
		e.profile, _ = cfg.Lookup(cfg.ActiveProfile)
		if e.profile != nil {
			e.profileName = e.profile.Name
		}
	}
	// In-flight activations keep the plan values they started with; only
	// subsequent activations see the new config.
	e.backToActive(now)
	e.persist()
	e.pushRules()
	e.evaluate(now)
	e.reply(cmd, event.Reply{OK: true, Message: msg})
}

func (e *Engine) triggerCmd(cmd *event.Command) {
	arg := strings.TrimSpace(cmd.Arg)
	if strings.EqualFold(arg, "all") {
		if e.profile == nil {
			e.reply(cmd, event.Reply{Message: "no active profile"})
			return
		}
		names := make([]string, 0, len(e.profile.Timeouts))
		for _, to := range e.profile.Timeouts {
			if plan := e.planFor(to.Plan); plan != nil {
				e.runner.Submit(executor.Decision{Kind: executor.DecisionActivate, Plan: plan, Profile: e.profileName})
				names = append(names, plan.Name)
			}
		}
		e.reply(cmd, event.Reply{OK: true, Message: "triggered: " + strings.Join(names, ", ")})
		return
	}
	plan, ok := e.findStepPlan(arg)
	if !ok {
		e.reply(cmd, event.Reply{Message: fmt.Sprintf("step %q not found; available: %s", arg, strings.Join(e.stepNames(), ", "))})
		return
	}
	// The executor answers the caller directly once the step is handled.
	e.runner.Submit(executor.Decision{
		Kind:    executor.DecisionTriggerStep,
		Plan:    plan,
		Profile: e.profileName,
		StepID:  arg,
		Reply:   cmd.Reply,
	})
}

// findStepPlan locates the plan containing the named step, preferring
// the active profile's ladder over the full plan set.
func (e *Engine) findStepPlan(name string) (*config.Plan, bool) {
	if e.profile != nil {
		for _, to := range e.profile.Timeouts {
			if plan := e.planFor(to.Plan); plan != nil {
				if _, ok := plan.FindStep(name); ok {
					return plan, true
				}
			}
		}
	}
	cfg := e.cfgSnapshot
	if cfg == nil {
		cfg = e.cfgs.Current()
	}
	for _, planName := range cfg.PlanNames() {
		plan := cfg.Plans[planName]
		if _, ok := plan.FindStep(name); ok {
			return plan, true
		}
	}
	return nil, false
}

func (e *Engine) stepNames() []string {
	cfg := e.cfgSnapshot
	if cfg == nil {
		cfg = e.cfgs.Current()
	}
	var names []string
	for _, planName := range cfg.PlanNames() {
		for _, s := range cfg.Plans[planName].Steps {
			names = append(names, s.ID)
		}
	}
	sort.Strings(names)
	return names
}

func (e *Engine) listActions() []string {
	cfg := e.cfgSnapshot
	if cfg == nil {
		cfg = e.cfgs.Current()
	}
	var out []string
	for _, planName := range cfg.PlanNames() {
		plan := cfg.Plans[planName]
		for _, s := range plan.Steps {
			out = append(out, fmt.Sprintf("%s\t%s\t%s\t%s", plan.Name, s.ID, s.Kind, s.Command))
		}
	}
	return out
}

func (e *Engine) listProfiles() []string {
	cfg := e.cfgSnapshot
	if cfg == nil {
		cfg = e.cfgs.Current()
	}
	names := cfg.ProfileNames()
	out := make([]string, 0, len(names)+1)
	for _, name := range names {
		if name == e.profileName {
			name += " (active)"
		}
		out = append(out, name)
	}
	if e.profileName == "" {
		out = append(out, "none (active)")
	}
	return out
}

func (e *Engine) reply(cmd *event.Command, r event.Reply) {
	if cmd.Reply == nil {
		return
	}
	select {
	case cmd.Reply <- r:
	default:
	}
}
