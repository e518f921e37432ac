// Package source hosts the signal source adapters: the compositor
// backend, the process-table scanner, the D-Bus power adapter, and the
// media aggregator. Sources normalize raw desktop signals into events
// and never touch engine state directly.
package source

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
)

// Source is one adapter feeding the dispatcher. Optional sources are
// restarted with backoff on failure; a mandatory source failing takes
// the daemon down.
type Source interface {
	Name() string
	Optional() bool
	Run(ctx context.Context, sink event.Sink) error
}

// Rules is the live matching policy shared between the engine (writer,
// on profile change) and the sources (readers, every scan tick).
type Rules struct {
	p atomic.Pointer[config.RuleSet]
}

func NewRules() *Rules {
	r := &Rules{}
	r.p.Store(&config.RuleSet{})
	return r
}

func (r *Rules) Set(rs config.RuleSet) {
	r.p.Store(&rs)
}

func (r *Rules) Get() config.RuleSet {
	return *r.p.Load()
}

// heldSink wraps the dispatcher sink and remembers which inhibitors a
// source currently asserts, so the supervisor can retract them when the
// source stays down past its unavailability budget.
type heldSink struct {
	inner event.Sink

	mu   sync.Mutex
	held map[string]struct{}
}

func newHeldSink(inner event.Sink) *heldSink {
	return &heldSink{inner: inner, held: map[string]struct{}{}}
}

func (s *heldSink) Push(ev event.Event) {
	if ev.Inhibitor != nil {
		s.mu.Lock()
		switch ev.Kind {
		case event.KindInhibitorAdded:
			s.held[ev.Inhibitor.SourceID] = struct{}{}
		case event.KindInhibitorRemoved:
			delete(s.held, ev.Inhibitor.SourceID)
		}
		s.mu.Unlock()
	}
	s.inner.Push(ev)
}

// retractAll withdraws every inhibitor the source still holds, flagged
// as degraded so the engine logs the reduced confidence.
func (s *heldSink) retractAll(source string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	s.held = map[string]struct{}{}
	s.mu.Unlock()

	for _, id := range ids {
		s.inner.Push(event.Event{
			Source: source,
			Kind:   event.KindInhibitorRemoved,
			Inhibitor: &event.InhibitorChange{
				SourceID: id,
				Degraded: true,
			},
		})
	}
}
