package event

import "context"

const defaultQueueDepth = 256

// Dispatcher merges all signal-source output, executor feedback, and
// timer firings into one ordered stream. FIFO arrival order is
// authoritative; no coalescing or re-sorting by timestamp happens here.
// When the queue is full producers block rather than drop.
type Dispatcher struct {
	ch chan Event
}

func NewDispatcher() *Dispatcher {
	return NewDispatcherDepth(defaultQueueDepth)
}

func NewDispatcherDepth(depth int) *Dispatcher {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Dispatcher{ch: make(chan Event, depth)}
}

// Push enqueues an event, blocking while the queue is full.
func (d *Dispatcher) Push(ev Event) {
	d.ch <- ev
}

// PushCtx enqueues an event unless ctx is canceled first. Sources use it
// so a shutdown never deadlocks on a full queue.
func (d *Dispatcher) PushCtx(ctx context.Context, ev Event) error {
	select {
	case d.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events exposes the consumer side. Exactly one goroutine (the decision
// engine) drains it.
func (d *Dispatcher) Events() <-chan Event {
	return d.ch
}

// TryDrain pops one queued event without blocking. The engine uses it to
// collect a same-tick batch so manual commands can be ordered first.
func (d *Dispatcher) TryDrain() (Event, bool) {
	select {
	case ev := <-d.ch:
		return ev, true
	default:
		return Event{}, false
	}
}
