package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/logging"
)

const defaultShutdownGrace = 5 * time.Second

// TrackedProcess is a spawned step command tracked as a first-class
// lifecycle object: spawned -> tracked -> reaped|lost. Ownership belongs
// to the executor from spawn until a defined release transition.
type TrackedProcess struct {
	PID       int
	StepID    string
	SpawnedAt time.Time
	Reaped    bool

	proc Proc
	done chan struct{}
}

// activation is one plan instance. The cursor's next sequential index is
// monotonically non-decreasing and never skips.
type activation struct {
	id        string
	plan      *config.Plan
	profile   string
	startedAt time.Time

	nextSeq int
	started map[string]bool
	done    map[string]bool
	reaped  map[string]bool
	aborted bool
	// manual marks an activation created by a single-step trigger; its
	// cursor never auto-advances until a ladder activation claims it.
	manual bool

	tracked      *TrackedProcess
	pendingReset bool
}

// Executor consumes engine decisions as a single serialized task,
// spawning step commands through the service sink and feeding results
// back into the dispatcher.
type Executor struct {
	service   Service
	feedback  event.Sink
	decisions chan Decision
	grace     time.Duration
	log       zerolog.Logger

	mu          sync.Mutex
	activations map[string]*activation
	oneShots    map[string]bool
}

func New(service Service, feedback event.Sink) *Executor {
	if service == nil {
		service = ShellService{}
	}
	return &Executor{
		service:     service,
		feedback:    feedback,
		decisions:   make(chan Decision, 64),
		grace:       defaultShutdownGrace,
		log:         logging.WithComponent("executor"),
		activations: map[string]*activation{},
		oneShots:    map[string]bool{},
	}
}

// Submit hands a decision to the executor loop, blocking if the queue is
// full.
func (x *Executor) Submit(d Decision) {
	x.decisions <- d
}

// Run drains decisions until ctx is canceled or a shutdown decision
// arrives. It is the only goroutine that mutates cursors.
func (x *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			x.shutdown()
			return
		case d := <-x.decisions:
			if x.handle(d) {
				return
			}
		}
	}
}

// handle applies one decision; it reports true when the loop must stop.
func (x *Executor) handle(d Decision) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch d.Kind {
	case DecisionActivate:
		x.activate(d.Plan, d.Profile)
	case DecisionResult:
		x.handleResult(d.Step)
	case DecisionExitIdle:
		x.exitIdle()
	case DecisionClearTracked:
		x.clearTracked()
	case DecisionTriggerStep:
		reply := x.trigger(d.Plan, d.Profile, d.StepID)
		if d.Reply != nil {
			d.Reply <- reply
		}
	case DecisionNotify:
		x.service.Notify(d.Message)
	case DecisionRunCommand:
		x.runDetachedCommand(d.Command)
	case DecisionShutdown:
		x.shutdownLocked()
		if d.Reply != nil {
			d.Reply <- event.Reply{OK: true, Message: "stopping"}
		}
		return true
	}
	return false
}

// Status reports tracked process and plan state for info probes.
func (x *Executor) Status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	var st Status
	for name, act := range x.activations {
		st.ActivePlans = append(st.ActivePlans, name)
		if act.nextSeq >= len(act.plan.SequentialSteps()) || act.aborted {
			st.FiredPlans = append(st.FiredPlans, name)
		}
		if act.tracked != nil {
			st.TrackedPID = act.tracked.PID
			st.TrackedStep = act.tracked.StepID
		}
	}
	sort.Strings(st.ActivePlans)
	sort.Strings(st.FiredPlans)
	return st
}

func (x *Executor) activate(plan *config.Plan, profile string) {
	if plan == nil {
		return
	}
	if act, ok := x.activations[plan.Name]; ok && !act.pendingReset {
		// Plan already active in this idle cycle; cursor position is
		// preserved, nothing re-runs. A trigger-created activation is
		// claimed by the ladder and starts advancing.
		if act.manual {
			act.manual = false
			x.advance(act)
		}
		return
	}
	act := &activation{
		id:        uuid.NewString(),
		plan:      plan,
		profile:   profile,
		startedAt: time.Now(),
		started:   map[string]bool{},
		done:      map[string]bool{},
		reaped:    map[string]bool{},
	}
	x.activations[plan.Name] = act
	x.log.Info().Str("plan", plan.Name).Str("activation", act.id).Str("profile", profile).Msg("plan activated")

	for _, step := range plan.Steps {
		switch step.Kind {
		case config.StepStartup:
			x.runDetached(act, step)
		case config.StepInstant:
			key := plan.Name + "/" + step.ID
			if x.oneShots[key] {
				continue
			}
			x.oneShots[key] = true
			x.runDetached(act, step)
		}
	}
	x.advance(act)
}

// advance starts the step at the cursor when nothing blocks it.
func (x *Executor) advance(act *activation) {
	if act.aborted || act.tracked != nil {
		return
	}
	seq := act.plan.SequentialSteps()
	for act.nextSeq < len(seq) {
		step := seq[act.nextSeq]
		if act.done[step.ID] {
			act.nextSeq++
			continue
		}
		if act.started[step.ID] {
			return
		}
		x.startSequential(act, step)
		return
	}
}

func (x *Executor) startSequential(act *activation, step config.Step) {
	act.started[step.ID] = true
	proc, err := x.service.Spawn(step.Command)
	if err != nil {
		x.log.Error().Err(err).Str("plan", act.plan.Name).Str("step", step.ID).Msg("spawn failed")
		go x.pushResult(act.id, step.ID, event.OutcomeFailure, -1, err)
		return
	}
	tp := &TrackedProcess{
		PID:       proc.PID(),
		StepID:    step.ID,
		SpawnedAt: time.Now(),
		proc:      proc,
		done:      make(chan struct{}),
	}
	act.tracked = tp
	x.log.Info().Str("plan", act.plan.Name).Str("step", step.ID).Int("pid", proc.PID()).Msg("step started")
	go func() {
		if step.Lock {
			x.pushResult(act.id, step.ID, event.OutcomeStarted, 0, nil)
		}
		x.reap(act.id, step, tp)
	}()
}

// reap waits for the tracked process and converts its exit into a
// StepResult pushed back through the dispatcher.
func (x *Executor) reap(activationID string, step config.Step, tp *TrackedProcess) {
	code, err := tp.proc.Wait()
	close(tp.done)
	outcome := event.OutcomeSuccess
	switch {
	case err != nil:
		// Exit was not wait-observed: the process is lost.
		if step.LostPolicy == config.LostAssumeComplete {
			outcome = event.OutcomeSuccess
		} else {
			outcome = event.OutcomeFailure
		}
	case code != 0:
		if step.Lock && step.LostPolicy == config.LostAssumeComplete {
			outcome = event.OutcomeSuccess
		} else {
			outcome = event.OutcomeFailure
		}
	}
	x.pushResult(activationID, step.ID, outcome, code, err)
}

// pushResult reports a step outcome back through the dispatcher. Only
// spawn and reap goroutines call it, never the decision loop itself, so
// a full event queue can stall a report but never the loop. That keeps
// the engine/executor cycle free of a mutual blocking send.
func (x *Executor) pushResult(activationID, stepID string, outcome event.StepOutcome, code int, err error) {
	res := &event.StepResult{
		ActivationID: activationID,
		StepID:       stepID,
		Outcome:      outcome,
		ExitCode:     code,
	}
	if err != nil {
		res.Err = err.Error()
	}
	x.feedback.Push(event.Event{
		Source: "executor",
		Kind:   event.KindStepResult,
		At:     time.Now(),
		Step:   res,
	})
}

func (x *Executor) handleResult(res *event.StepResult) {
	if res == nil || res.Outcome == event.OutcomeStarted {
		return
	}
	act := x.findActivation(res.ActivationID)
	if act == nil {
		// Activation already reset (explicit resume or reload); the late
		// reap is informational only.
		x.log.Debug().Str("step", res.StepID).Str("outcome", string(res.Outcome)).Msg("result for finished activation")
		return
	}
	if act.tracked != nil && act.tracked.StepID == res.StepID {
		act.tracked.Reaped = true
		act.tracked = nil
	}
	if act.reaped[res.StepID] {
		return
	}
	act.reaped[res.StepID] = true

	step, ok := act.plan.FindStep(res.StepID)
	seq := act.plan.SequentialSteps()
	onCursor := ok && step.Kind == config.StepSequential &&
		act.nextSeq < len(seq) && seq[act.nextSeq].ID == step.ID

	switch res.Outcome {
	case event.OutcomeSuccess:
		act.done[res.StepID] = true
		if onCursor {
			act.nextSeq++
		}
		x.log.Info().Str("plan", act.plan.Name).Str("step", res.StepID).Msg("step completed")
	case event.OutcomeFailure:
		x.log.Warn().Str("plan", act.plan.Name).Str("step", res.StepID).
			Int("exit", res.ExitCode).Str("err", res.Err).Msg("step failed")
		if ok && step.OnFailure == config.FailAbort {
			act.aborted = true
			x.log.Warn().Str("plan", act.plan.Name).Msg("plan aborted, remaining sequential steps skipped")
		} else if onCursor {
			act.nextSeq++
		}
	}

	if act.pendingReset && act.tracked == nil {
		x.finishReset(act)
		return
	}
	if !act.manual {
		x.advance(act)
	}
}

// exitIdle runs resume steps and resets cursors. Activations still
// holding a tracked process (a live lock screen) defer until reap.
func (x *Executor) exitIdle() {
	for name, act := range x.activations {
		if act.tracked != nil {
			act.pendingReset = true
			continue
		}
		x.runResumeSteps(act)
		delete(x.activations, name)
	}
}

func (x *Executor) finishReset(act *activation) {
	x.runResumeSteps(act)
	delete(x.activations, act.plan.Name)
}

func (x *Executor) runResumeSteps(act *activation) {
	for _, step := range act.plan.Steps {
		if step.Kind != config.StepResume {
			continue
		}
		if !act.done[step.For] || !act.reaped[step.For] {
			continue
		}
		x.log.Info().Str("plan", act.plan.Name).Str("step", step.ID).Msg("resume step")
		x.runDetached(act, step)
	}
}

// clearTracked releases tracked lock processes after an explicit resume
// command; the lock step counts as completed.
func (x *Executor) clearTracked() {
	for _, act := range x.activations {
		if act.tracked == nil {
			continue
		}
		stepID := act.tracked.StepID
		x.log.Info().Str("plan", act.plan.Name).Str("step", stepID).
			Int("pid", act.tracked.PID).Msg("tracked process released by explicit resume")
		act.tracked = nil
		act.done[stepID] = true
		act.reaped[stepID] = true
		seq := act.plan.SequentialSteps()
		if act.nextSeq < len(seq) && seq[act.nextSeq].ID == stepID {
			act.nextSeq++
		}
	}
}

func (x *Executor) trigger(plan *config.Plan, profile, stepID string) event.Reply {
	if plan == nil {
		return event.Reply{Message: "no plan"}
	}
	step, ok := plan.FindStep(stepID)
	if !ok {
		return event.Reply{Message: fmt.Sprintf("step %q not found in plan %q", stepID, plan.Name)}
	}
	act := x.activations[plan.Name]
	if act == nil {
		act = &activation{
			id:        uuid.NewString(),
			plan:      plan,
			profile:   profile,
			startedAt: time.Now(),
			started:   map[string]bool{},
			done:      map[string]bool{},
			reaped:    map[string]bool{},
			manual:    true,
		}
		x.activations[plan.Name] = act
	}
	if act.done[step.ID] {
		return event.Reply{Message: fmt.Sprintf("step %q already completed", step.ID)}
	}
	if step.Kind == config.StepSequential {
		if act.tracked != nil {
			return event.Reply{Message: fmt.Sprintf("step %q blocked: pid %d (%s) still tracked",
				step.ID, act.tracked.PID, act.tracked.StepID)}
		}
		if act.started[step.ID] {
			return event.Reply{Message: fmt.Sprintf("step %q already running", step.ID)}
		}
		x.startSequential(act, step)
		return event.Reply{OK: true, Message: "triggered " + step.ID}
	}
	x.runDetached(act, step)
	return event.Reply{OK: true, Message: "triggered " + step.ID}
}

// runDetached spawns a step off-cursor; its result is reported but never
// gates sequential progression.
func (x *Executor) runDetached(act *activation, step config.Step) {
	proc, err := x.service.Spawn(step.Command)
	if err != nil {
		x.log.Error().Err(err).Str("plan", act.plan.Name).Str("step", step.ID).Msg("spawn failed")
		go x.pushResult(act.id, step.ID, event.OutcomeFailure, -1, err)
		return
	}
	x.log.Info().Str("plan", act.plan.Name).Str("step", step.ID).Int("pid", proc.PID()).Msg("step started (detached)")
	go func() {
		code, werr := proc.Wait()
		outcome := event.OutcomeSuccess
		if werr != nil || code != 0 {
			outcome = event.OutcomeFailure
		}
		x.pushResult(act.id, step.ID, outcome, code, werr)
	}()
}

func (x *Executor) runDetachedCommand(command string) {
	if command == "" {
		return
	}
	proc, err := x.service.Spawn(command)
	if err != nil {
		x.log.Error().Err(err).Str("command", command).Msg("command spawn failed")
		return
	}
	x.log.Info().Str("command", command).Int("pid", proc.PID()).Msg("command started")
	go proc.Wait() //nolint:errcheck
}

func (x *Executor) findActivation(id string) *activation {
	for _, act := range x.activations {
		if act.id == id {
			return act
		}
	}
	return nil
}

func (x *Executor) shutdown() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.shutdownLocked()
}

// shutdownLocked signals tracked processes, waits a bounded grace
// period, then force-kills stragglers.
func (x *Executor) shutdownLocked() {
	var outstanding []*TrackedProcess
	for _, act := range x.activations {
		if act.tracked == nil {
			continue
		}
		tp := act.tracked
		x.log.Info().Int("pid", tp.PID).Str("step", tp.StepID).Msg("terminating tracked process")
		if err := tp.proc.Terminate(); err != nil {
			x.log.Warn().Err(err).Int("pid", tp.PID).Msg("terminate failed")
		}
		outstanding = append(outstanding, tp)
	}
	deadline := time.After(x.grace)
	for _, tp := range outstanding {
		select {
		case <-tp.done:
		case <-deadline:
			x.log.Warn().Int("pid", tp.PID).Msg("grace period elapsed, killing")
			_ = tp.proc.Kill()
			<-tp.done
		}
	}
	x.activations = map[string]*activation{}
}
