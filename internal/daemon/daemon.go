// Package daemon wires the pieces together: config store and watcher,
// runtime-state store, dispatcher, engine, executor, signal sources,
// and the control server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/control"
	"github.com/idlewatch/idlewatch/internal/engine"
	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/executor"
	"github.com/idlewatch/idlewatch/internal/logging"
	"github.com/idlewatch/idlewatch/internal/source"
	"github.com/idlewatch/idlewatch/internal/store"
)

// ErrSourceFailed wraps a mandatory signal source failure so the CLI
// can map it to its dedicated exit code.
var ErrSourceFailed = errors.New("signal source failed")

// Options selects the daemon's file locations; empty fields fall back
// to the config file and XDG defaults.
type Options struct {
	ConfigPath string
	SocketPath string
	StatePath  string
}

// Run blocks until the daemon stops. SIGINT and SIGTERM trigger the
// same orderly shutdown as the stop command.
func Run(parent context.Context, opts Options) error {
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfgStore, err := config.NewStore(cfgPath)
	if err != nil {
		return err
	}
	cfg := cfgStore.Current()

	logging.Configure(logging.Config{Level: cfg.LogLevel})
	log := logging.WithComponent("daemon")

	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = cfg.SocketPath
	}
	statePath := opts.StatePath
	if statePath == "" {
		statePath = cfg.StatePath
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.Open(ctx, statePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	saved, err := st.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("saved runtime state unreadable, starting fresh")
		saved = store.Runtime{}
	}

	disp := event.NewDispatcher()
	exec := executor.New(executor.ShellService{}, disp)
	rules := source.NewRules()
	eng := engine.New(disp, exec, cfgStore, st, cancel, engine.Restored{
		Profile:       saved.Profile,
		HasProfile:    saved.HasProfile,
		ManualInhibit: saved.ManualInhibit,
		PausedUntil:   saved.PausedUntil,
	}, engine.WithRules(rules.Set))

	sup := source.NewSupervisor(
		source.DetectCompositor(rules, cfg.ScanInterval),
		source.NewPowerSource(),
		source.NewMediaSource(rules),
	)
	srv := control.NewServer(socketPath, disp)

	if err := config.Watch(ctx, cfgPath, func() {
		log.Info().Msg("config file changed, reloading")
		disp.Push(event.NewCommand(event.CmdReload, ""))
	}); err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
	}

	log.Info().Str("config", cfgPath).Str("socket", socketPath).Msg("daemon starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		exec.Run(gctx)
		return nil
	})
	g.Go(func() error {
		eng.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := sup.Run(gctx, disp); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", ErrSourceFailed, err)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("daemon stopped")
	return err
}
