package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
)

type recordSink struct{ events []event.Event }

func (s *recordSink) Push(ev event.Event) { s.events = append(s.events, ev) }

func fakeProcDir(t *testing.T, comms map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for pid, comm := range comms {
		if err := os.MkdirAll(filepath.Join(dir, pid), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, pid, "comm"), []byte(comm+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Non-numeric entries must be skipped.
	if err := os.MkdirAll(filepath.Join(dir, "sys"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testRules(t *testing.T, patterns ...string) *Rules {
	t.Helper()
	rules := NewRules()
	var matchers []config.Matcher
	for _, p := range patterns {
		m, err := config.CompileMatcher(p)
		if err != nil {
			t.Fatalf("CompileMatcher(%q): %v", p, err)
		}
		matchers = append(matchers, m)
	}
	rules.Set(config.RuleSet{InhibitApps: matchers})
	return rules
}

func TestProcScannerEmitsDiffs(t *testing.T) {
	scanner := NewProcScanner(testRules(t, "mpv"), 0)
	scanner.procDir = fakeProcDir(t, map[string]string{"100": "mpv", "101": "bash"})
	sink := &recordSink{}

	scanner.tick(sink)
	if len(sink.events) != 1 {
		t.Fatalf("events = %+v", sink.events)
	}
	added := sink.events[0]
	if added.Kind != event.KindInhibitorAdded || added.Inhibitor.SourceID != "proc:mpv" {
		t.Fatalf("first event = %+v", added)
	}

	// Same table again: no duplicate assertion.
	scanner.tick(sink)
	if len(sink.events) != 1 {
		t.Fatalf("re-scan emitted duplicates: %+v", sink.events)
	}

	// Process gone: one retraction.
	scanner.procDir = fakeProcDir(t, map[string]string{"101": "bash"})
	scanner.tick(sink)
	if len(sink.events) != 2 {
		t.Fatalf("events = %+v", sink.events)
	}
	removed := sink.events[1]
	if removed.Kind != event.KindInhibitorRemoved || removed.Inhibitor.SourceID != "proc:mpv" {
		t.Fatalf("retraction = %+v", removed)
	}
}

func TestProcScannerNoPatternsNoEvents(t *testing.T) {
	scanner := NewProcScanner(NewRules(), 0)
	scanner.procDir = fakeProcDir(t, map[string]string{"100": "mpv"})
	sink := &recordSink{}
	scanner.tick(sink)
	if len(sink.events) != 0 {
		t.Fatalf("empty rule set emitted %+v", sink.events)
	}
}

func TestHeldSinkRetractsWithDegradedFlag(t *testing.T) {
	inner := &recordSink{}
	held := newHeldSink(inner)

	held.Push(event.Event{
		Kind:      event.KindInhibitorAdded,
		Inhibitor: &event.InhibitorChange{SourceID: "proc:mpv"},
	})
	held.Push(event.Event{
		Kind:      event.KindInhibitorAdded,
		Inhibitor: &event.InhibitorChange{SourceID: "proc:vlc"},
	})
	held.Push(event.Event{
		Kind:      event.KindInhibitorRemoved,
		Inhibitor: &event.InhibitorChange{SourceID: "proc:vlc"},
	})

	held.retractAll("procscan")
	if len(inner.events) != 4 {
		t.Fatalf("events = %+v", inner.events)
	}
	last := inner.events[3]
	if last.Kind != event.KindInhibitorRemoved || last.Inhibitor.SourceID != "proc:mpv" || !last.Inhibitor.Degraded {
		t.Fatalf("degraded retraction = %+v", last)
	}

	// Everything already retracted; a second pass is a no-op.
	held.retractAll("procscan")
	if len(inner.events) != 4 {
		t.Fatalf("second retractAll emitted events: %+v", inner.events)
	}
}

func TestDetectCompositorFallsBackToProcScan(t *testing.T) {
	t.Setenv("HYPRLAND_INSTANCE_SIGNATURE", "")
	src := DetectCompositor(NewRules(), 0)
	if _, ok := src.(*ProcScanner); !ok {
		t.Fatalf("backend = %T, want *ProcScanner", src)
	}

	t.Setenv("HYPRLAND_INSTANCE_SIGNATURE", "abc123")
	src = DetectCompositor(NewRules(), 0)
	if _, ok := src.(*HyprlandSource); !ok {
		t.Fatalf("backend = %T, want *HyprlandSource", src)
	}
}
