package source

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/logging"
)

const (
	backoffMin = 250 * time.Millisecond
	backoffMax = 30 * time.Second

	// maxUnavailable bounds how long a down source may keep its
	// inhibitors asserted before they are retracted as stale.
	maxUnavailable = 2 * time.Minute
)

// Supervisor runs all sources, restarting optional ones with
// exponential backoff. A mandatory source error cancels the group.
type Supervisor struct {
	sources []Source
}

func NewSupervisor(sources ...Source) *Supervisor {
	return &Supervisor{sources: sources}
}

// Run blocks until ctx is canceled or a mandatory source fails.
func (s *Supervisor) Run(ctx context.Context, sink event.Sink) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		src := src
		g.Go(func() error { return s.runOne(ctx, src, sink) })
	}
	return g.Wait()
}

func (s *Supervisor) runOne(ctx context.Context, src Source, sink event.Sink) error {
	log := logging.WithComponent("source").With().Str("source", src.Name()).Logger()
	held := newHeldSink(sink)
	backoff := backoffMin
	var downSince time.Time

	for {
		started := time.Now()
		err := src.Run(ctx, held)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("source %s stopped unexpectedly", src.Name())
		}
		if !src.Optional() {
			return fmt.Errorf("mandatory source %s: %w", src.Name(), err)
		}

		if time.Since(started) > time.Minute {
			backoff = backoffMin
			downSince = time.Time{}
		}
		if downSince.IsZero() {
			downSince = time.Now()
		} else if time.Since(downSince) > maxUnavailable {
			log.Warn().Msg("source unavailable past budget, retracting its inhibitors")
			held.retractAll(src.Name())
			downSince = time.Now()
		}

		log.Warn().Err(err).Dur("retry_in", backoff).Msg("source failed, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}
