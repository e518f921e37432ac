package source

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/logging"
)

// ProcScanner is the compositor-independent fallback: it walks the
// process table at a fixed interval and asserts one inhibitor per
// process name that matches the active profile's patterns.
type ProcScanner struct {
	rules    *Rules
	interval time.Duration
	procDir  string
	log      zerolog.Logger

	held map[string]string // inhibitor source id -> process name
}

func NewProcScanner(rules *Rules, interval time.Duration) *ProcScanner {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &ProcScanner{
		rules:    rules,
		interval: interval,
		procDir:  "/proc",
		log:      logging.WithComponent("procscan"),
		held:     map[string]string{},
	}
}

func (p *ProcScanner) Name() string   { return "procscan" }
func (p *ProcScanner) Optional() bool { return false }

func (p *ProcScanner) Run(ctx context.Context, sink event.Sink) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(sink)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(sink)
		}
	}
}

func (p *ProcScanner) tick(sink event.Sink) {
	matchers := p.rules.Get().InhibitApps
	current := map[string]string{}
	if len(matchers) > 0 {
		for _, name := range p.scan(matchers) {
			current["proc:"+name] = name
		}
	}

	now := time.Now()
	for id, name := range current {
		if _, ok := p.held[id]; ok {
			continue
		}
		p.held[id] = name
		sink.Push(event.Event{
			Source: p.Name(),
			Kind:   event.KindInhibitorAdded,
			At:     now,
			Inhibitor: &event.InhibitorChange{
				SourceID: id,
				Reason:   "process " + name + " running",
			},
		})
	}
	for id := range p.held {
		if _, ok := current[id]; ok {
			continue
		}
		delete(p.held, id)
		sink.Push(event.Event{
			Source:    p.Name(),
			Kind:      event.KindInhibitorRemoved,
			At:        now,
			Inhibitor: &event.InhibitorChange{SourceID: id},
		})
	}
}

// scan returns the distinct matching process names. Reading comm can
// race process exit; those entries are skipped.
func (p *ProcScanner) scan(matchers []config.Matcher) []string {
	entries, err := os.ReadDir(p.procDir)
	if err != nil {
		p.log.Warn().Err(err).Msg("process table scan failed")
		return nil
	}
	seen := map[string]struct{}{}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || !isNumeric(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(p.procDir + "/" + entry.Name() + "/comm")
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(raw))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if config.MatchAny(matchers, name) {
			names = append(names, name)
		}
	}
	return names
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
