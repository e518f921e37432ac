package executor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
)

type fakeProc struct {
	pid     int
	exitCh  chan int
	waitErr error

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Wait() (int, error) {
	code := <-p.exitCh
	return code, p.waitErr
}

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	select {
	case p.exitCh <- -9:
	default:
	}
	return nil
}

type fakeService struct {
	mu       sync.Mutex
	nextPID  int
	spawned  []string
	procs    map[string]*fakeProc
	notified []string
}

func newFakeService() *fakeService {
	return &fakeService{nextPID: 4242, procs: map[string]*fakeProc{}}
}

func (s *fakeService) Spawn(command string) (Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &fakeProc{pid: s.nextPID, exitCh: make(chan int, 1)}
	s.nextPID++
	s.spawned = append(s.spawned, command)
	s.procs[command] = p
	return p, nil
}

func (s *fakeService) Notify(message string) {
	s.mu.Lock()
	s.notified = append(s.notified, message)
	s.mu.Unlock()
}

func (s *fakeService) spawnCount(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.spawned {
		if c == command {
			n++
		}
	}
	return n
}

func (s *fakeService) proc(t *testing.T, command string) *fakeProc {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		p := s.procs[command]
		s.mu.Unlock()
		if p != nil {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("command %q never spawned", command)
	return nil
}

type chanSink struct{ ch chan event.Event }

func (s chanSink) Push(ev event.Event) { s.ch <- ev }

func nextResult(t *testing.T, ch chan event.Event) *event.StepResult {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == event.KindStepResult {
				return ev.Step
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for step result")
		}
	}
}

// awaitTerminal pumps feedback into the executor until the named step
// reports success or failure, mirroring the engine's forwarding loop.
func awaitTerminal(t *testing.T, x *Executor, ch chan event.Event, stepID string) *event.StepResult {
	t.Helper()
	for {
		res := nextResult(t, ch)
		x.handle(Decision{Kind: DecisionResult, Step: res})
		if res.StepID == stepID && res.Outcome != event.OutcomeStarted {
			return res
		}
	}
}

func lockPlan() *config.Plan {
	return &config.Plan{
		Name: "lock",
		Steps: []config.Step{
			{ID: "dim", Kind: config.StepStartup, Command: "dim"},
			{ID: "locker", Kind: config.StepSequential, Command: "locker", Lock: true, LostPolicy: config.LostAssumeComplete},
			{ID: "undim", Kind: config.StepResume, Command: "undim", For: "locker"},
			{ID: "dpms", Kind: config.StepSequential, Command: "dpms-off"},
		},
	}
}

func newTestExecutor() (*Executor, *fakeService, chan event.Event) {
	svc := newFakeService()
	ch := make(chan event.Event, 64)
	x := New(svc, chanSink{ch: ch})
	return x, svc, ch
}

func TestActivateRunsStartupAndFirstSequential(t *testing.T) {
	x, svc, ch := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})

	svc.proc(t, "dim")
	locker := svc.proc(t, "locker")

	// Lock-class steps report started as soon as the pid is tracked.
	res := nextResult(t, ch)
	if res.StepID != "locker" || res.Outcome != event.OutcomeStarted {
		t.Fatalf("first result = %+v", res)
	}
	st := x.Status()
	if st.TrackedPID != locker.pid || st.TrackedStep != "locker" {
		t.Fatalf("status = %+v", st)
	}
	if svc.spawnCount("dpms-off") != 0 {
		t.Fatal("second sequential step started while locker tracked")
	}
}

func TestCursorAdvancesOnWaitObservedExit(t *testing.T) {
	x, svc, ch := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})

	svc.proc(t, "locker").exitCh <- 0
	res := awaitTerminal(t, x, ch, "locker")
	if res.Outcome != event.OutcomeSuccess {
		t.Fatalf("locker outcome = %+v", res)
	}

	svc.proc(t, "dpms-off")
	if st := x.Status(); st.TrackedStep != "dpms" {
		t.Fatalf("cursor did not advance, status = %+v", st)
	}
}

func TestDuplicateResultIgnored(t *testing.T) {
	x, svc, ch := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})

	svc.proc(t, "locker").exitCh <- 0
	res := awaitTerminal(t, x, ch, "locker")

	// Replaying the same result must not move the cursor again.
	before := svc.spawnCount("dpms-off")
	x.handle(Decision{Kind: DecisionResult, Step: res})
	if after := svc.spawnCount("dpms-off"); after != before {
		t.Fatalf("duplicate result re-ran a step: %d -> %d", before, after)
	}
}

func TestFailureAbortSkipsRemainingSteps(t *testing.T) {
	plan := &config.Plan{
		Name: "suspend",
		Steps: []config.Step{
			{ID: "sync", Kind: config.StepSequential, Command: "sync", OnFailure: config.FailAbort},
			{ID: "suspend", Kind: config.StepSequential, Command: "suspend"},
		},
	}
	x, svc, ch := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: plan})

	svc.proc(t, "sync").exitCh <- 1
	res := awaitTerminal(t, x, ch, "sync")
	if res.Outcome != event.OutcomeFailure || res.ExitCode != 1 {
		t.Fatalf("sync result = %+v", res)
	}
	if svc.spawnCount("suspend") != 0 {
		t.Fatal("aborted plan still ran the next step")
	}
}

func TestFailureContinueAdvances(t *testing.T) {
	plan := &config.Plan{
		Name: "p",
		Steps: []config.Step{
			{ID: "a", Kind: config.StepSequential, Command: "a", OnFailure: config.FailContinue},
			{ID: "b", Kind: config.StepSequential, Command: "b"},
		},
	}
	x, svc, ch := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: plan})

	svc.proc(t, "a").exitCh <- 7
	awaitTerminal(t, x, ch, "a")
	svc.proc(t, "b")
}

func TestLostProcessAssumeComplete(t *testing.T) {
	x, svc, ch := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})

	// Exit not wait-observed: assume-complete turns it into success.
	locker := svc.proc(t, "locker")
	locker.waitErr = fmt.Errorf("waitid: no child processes")
	locker.exitCh <- -1

	res := awaitTerminal(t, x, ch, "locker")
	if res.Outcome != event.OutcomeSuccess {
		t.Fatalf("lost locker outcome = %+v", res)
	}
}

func TestInstantStepsRunOncePerLifetime(t *testing.T) {
	plan := &config.Plan{
		Name: "warn",
		Steps: []config.Step{
			{ID: "banner", Kind: config.StepInstant, Command: "banner"},
			{ID: "noop", Kind: config.StepSequential, Command: "noop"},
		},
	}
	x, svc, ch := newTestExecutor()

	x.handle(Decision{Kind: DecisionActivate, Plan: plan})
	svc.proc(t, "banner").exitCh <- 0
	svc.proc(t, "noop").exitCh <- 0
	awaitTerminal(t, x, ch, "noop")
	x.handle(Decision{Kind: DecisionExitIdle})

	x.handle(Decision{Kind: DecisionActivate, Plan: plan})
	svc.proc(t, "noop")
	if n := svc.spawnCount("banner"); n != 1 {
		t.Fatalf("instant step ran %d times, want 1", n)
	}
}

func TestClearTrackedReleasesLock(t *testing.T) {
	x, svc, ch := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})
	locker := svc.proc(t, "locker")

	x.handle(Decision{Kind: DecisionClearTracked})
	if st := x.Status(); st.TrackedPID != 0 {
		t.Fatalf("tracked pid still set: %+v", st)
	}
	// Releasing the lock must not push the ladder forward; the user is
	// back at the keyboard.
	if svc.spawnCount("dpms-off") != 0 {
		t.Fatal("next sequential step ran after explicit resume")
	}

	// Resume steps paired with the released lock run on exit-idle.
	x.handle(Decision{Kind: DecisionExitIdle})
	svc.proc(t, "undim")

	// The real locker exit arriving later is informational only.
	locker.exitCh <- 0
	awaitTerminal(t, x, ch, "locker")
}

func TestExitIdleDeferredWhileTracked(t *testing.T) {
	x, svc, ch := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})
	locker := svc.proc(t, "locker")

	x.handle(Decision{Kind: DecisionExitIdle})
	if svc.spawnCount("undim") != 0 {
		t.Fatal("resume step ran while lock process still tracked")
	}
	if st := x.Status(); len(st.ActivePlans) != 1 {
		t.Fatalf("activation reset early: %+v", st)
	}

	locker.exitCh <- 0
	awaitTerminal(t, x, ch, "locker")
	svc.proc(t, "undim")
	if st := x.Status(); len(st.ActivePlans) != 0 {
		t.Fatalf("activation not reset after reap: %+v", st)
	}
}

func TestTriggerRefusedWhileTracked(t *testing.T) {
	x, svc, _ := newTestExecutor()
	plan := lockPlan()
	x.handle(Decision{Kind: DecisionActivate, Plan: plan})
	svc.proc(t, "locker")

	reply := x.trigger(plan, "", "dpms")
	if reply.OK {
		t.Fatalf("trigger succeeded while pid tracked: %+v", reply)
	}
}

func TestTriggerDoesNotRerunCompletedStep(t *testing.T) {
	x, svc, ch := newTestExecutor()
	plan := lockPlan()
	x.handle(Decision{Kind: DecisionActivate, Plan: plan})
	svc.proc(t, "locker").exitCh <- 0
	awaitTerminal(t, x, ch, "locker")

	reply := x.trigger(plan, "", "locker")
	if reply.OK {
		t.Fatalf("completed step re-triggered: %+v", reply)
	}
	if n := svc.spawnCount("locker"); n != 1 {
		t.Fatalf("locker spawned %d times, want 1", n)
	}
}

func TestTriggerSingleStepDoesNotStartEarlierSteps(t *testing.T) {
	x, svc, ch := newTestExecutor()
	plan := lockPlan()
	reply := x.trigger(plan, "desk", "dpms")
	if !reply.OK {
		t.Fatalf("trigger failed: %+v", reply)
	}
	svc.proc(t, "dpms-off").exitCh <- 0
	awaitTerminal(t, x, ch, "dpms")
	if svc.spawnCount("locker") != 0 {
		t.Fatal("single-step trigger ran an earlier sequential step")
	}

	// A later ladder activation claims the plan and the cursor advances
	// normally, skipping nothing.
	x.handle(Decision{Kind: DecisionActivate, Plan: plan})
	svc.proc(t, "locker")
}

func TestReactivateWhileTrackedDoesNotAdvance(t *testing.T) {
	x, svc, _ := newTestExecutor()
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})
	svc.proc(t, "locker")

	// A second activation of the same plan while the locker is tracked
	// must neither respawn it nor start the next sequential step.
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})
	if n := svc.spawnCount("locker"); n != 1 {
		t.Fatalf("locker spawned %d times, want 1", n)
	}
	if svc.spawnCount("dpms-off") != 0 {
		t.Fatal("re-activation started the next sequential step")
	}
}

func TestFeedbackPushNeverBlocksDecisionLoop(t *testing.T) {
	svc := newFakeService()
	ch := make(chan event.Event) // unbuffered and undrained
	x := New(svc, chanSink{ch: ch})

	done := make(chan struct{})
	go func() {
		x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("activation blocked on feedback delivery")
	}

	// The lock step's started report arrives once a consumer drains.
	res := nextResult(t, ch)
	if res.StepID != "locker" || res.Outcome != event.OutcomeStarted {
		t.Fatalf("result = %+v", res)
	}
}

func TestTriggerStartsPlanWhenInactive(t *testing.T) {
	x, svc, _ := newTestExecutor()
	reply := x.trigger(lockPlan(), "desk", "locker")
	if !reply.OK {
		t.Fatalf("trigger failed: %+v", reply)
	}
	svc.proc(t, "locker")
	if svc.spawnCount("dim") != 0 {
		t.Fatal("trigger of one step ran startup steps")
	}
}

func TestShutdownTerminatesTracked(t *testing.T) {
	x, svc, _ := newTestExecutor()
	x.grace = 50 * time.Millisecond
	x.handle(Decision{Kind: DecisionActivate, Plan: lockPlan()})
	locker := svc.proc(t, "locker")

	done := make(chan struct{})
	go func() {
		x.handle(Decision{Kind: DecisionShutdown})
		close(done)
	}()

	// The process ignores SIGTERM; the grace deadline forces a kill.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hung")
	}
	locker.mu.Lock()
	terminated, killed := locker.terminated, locker.killed
	locker.mu.Unlock()
	if !terminated || !killed {
		t.Fatalf("terminated=%v killed=%v", terminated, killed)
	}
}
