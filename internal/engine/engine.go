// Package engine implements the idle decision state machine. It is the
// single consumer of the dispatcher stream, owns the authoritative
// session state, and emits decisions to the action executor.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/executor"
	"github.com/idlewatch/idlewatch/internal/logging"
)

// Phase is the authoritative session state. Transitions happen only
// inside the engine loop.
type Phase string

const (
	PhaseActive       Phase = "active"
	PhaseCountingDown Phase = "counting_down"
	PhaseIdle         Phase = "idle"
	PhasePaused       Phase = "paused"
	PhaseInhibited    Phase = "inhibited"
)

// PlanRunner is the executor surface the engine drives.
type PlanRunner interface {
	Submit(executor.Decision)
	Status() executor.Status
}

// Persister saves the small slice of runtime state that survives daemon
// restarts. May be nil.
type Persister interface {
	SaveRuntime(profile string, manualInhibit bool, pausedUntil time.Time)
}

type inhibitor struct {
	reason    string
	expiresAt time.Time // zero = non-expiring
}

// Engine consumes the merged event stream and applies the transition
// rules. All fields below are mutated by the Run goroutine only.
type Engine struct {
	disp   *event.Dispatcher
	runner PlanRunner
	cfgs   *config.Store
	saver  Persister
	onStop context.CancelFunc
	log    zerolog.Logger

	clock    func() time.Time
	schedule func(at time.Time, gen uint64)
	timer    *time.Timer

	phase Phase
	since time.Time

	profileName string
	profile     *config.Profile // pinned snapshot; nil when profile is none
	cfgSnapshot *config.Config  // config the profile was resolved from
	rules       func(config.RuleSet)

	inhibitors    map[string]inhibitor
	manualInhibit bool
	mediaActive   bool

	paused      bool
	pausedAt    time.Time
	pausedUntil time.Time // zero = indefinite

	suspending bool
	lidClosed  bool

	// Countdown bookkeeping. Thresholds are cumulative from start; the
	// ladder index only ever advances within one idle cycle.
	countdownStart time.Time
	thresholdIdx   int
	deadline       time.Time
	notifyAt       time.Time
	notifiedIdx    int

	timerGen uint64
}

// Option tweaks engine construction, used by tests to control time.
type Option func(*Engine)

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithScheduler(schedule func(at time.Time, gen uint64)) Option {
	return func(e *Engine) { e.schedule = schedule }
}

// WithRules registers a callback invoked whenever the active profile's
// matching rules change, so event sources can pick up new patterns.
func WithRules(publish func(config.RuleSet)) Option {
	return func(e *Engine) { e.rules = publish }
}

// Restored is the persisted runtime state applied at startup.
type Restored struct {
	Profile       string
	HasProfile    bool
	ManualInhibit bool
	PausedUntil   time.Time
}

func New(disp *event.Dispatcher, runner PlanRunner, cfgs *config.Store, saver Persister, onStop context.CancelFunc, restored Restored, opts ...Option) *Engine {
	e := &Engine{
		disp:        disp,
		runner:      runner,
		cfgs:        cfgs,
		saver:       saver,
		onStop:      onStop,
		log:         logging.WithComponent("engine"),
		clock:       time.Now,
		phase:       PhaseActive,
		inhibitors:  map[string]inhibitor{},
		notifiedIdx: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.schedule == nil {
		e.schedule = e.armTimer
	}

	now := e.clock()
	e.since = now
	e.countdownStart = now

	cfg := cfgs.Current()
	e.cfgSnapshot = cfg
	name := cfg.ActiveProfile
	if restored.HasProfile {
		name = restored.Profile
	}
	if prof, err := cfg.Lookup(name); err == nil {
		e.profile = prof
		if prof != nil {
			e.profileName = prof.Name
		}
	} else {
		e.log.Warn().Str("profile", name).Msg("saved profile missing, starting with none")
	}
	e.manualInhibit = restored.ManualInhibit
	if !restored.PausedUntil.IsZero() && restored.PausedUntil.After(now) {
		e.paused = true
		e.pausedAt = now
		e.pausedUntil = restored.PausedUntil
	}
	e.pushRules()
	return e
}

func (e *Engine) pushRules() {
	if e.rules == nil {
		return
	}
	e.rules(config.RulesFor(e.profile))
}

// Run drains the dispatcher until ctx is canceled. Within one wakeup it
// collects the whole available batch and orders manual commands first.
func (e *Engine) Run(ctx context.Context) {
	e.evaluate(e.clock())
	for {
		select {
		case <-ctx.Done():
			e.stopTimer()
			return
		case ev := <-e.disp.Events():
			batch := []event.Event{ev}
			for {
				next, ok := e.disp.TryDrain()
				if !ok {
					break
				}
				batch = append(batch, next)
			}
			for _, cmd := range batch {
				if cmd.Kind == event.KindCommand {
					e.handle(cmd)
				}
			}
			for _, other := range batch {
				if other.Kind != event.KindCommand {
					e.handle(other)
				}
			}
		}
	}
}

// Phase returns the current phase; meaningful only from the Run
// goroutine and from single-threaded tests.
func (e *Engine) Phase() Phase {
	return e.phase
}

func (e *Engine) armTimer(at time.Time, gen uint64) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if at.IsZero() {
		e.timer = nil
		return
	}
	d := at.Sub(e.clock())
	if d < 0 {
		d = 0
	}
	e.timer = time.AfterFunc(d, func() {
		e.disp.Push(event.Event{
			Source:  "timer",
			Kind:    event.KindTimerFired,
			At:      time.Now(),
			TimerID: gen,
		})
	})
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) persist() {
	if e.saver == nil {
		return
	}
	until := e.pausedUntil
	if !e.paused {
		until = time.Time{}
	}
	e.saver.SaveRuntime(e.profileName, e.manualInhibit, until)
}
