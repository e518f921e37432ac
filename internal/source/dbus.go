package source

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/logging"
)

const (
	login1Path    = dbus.ObjectPath("/org/freedesktop/login1")
	login1Iface   = "org.freedesktop.login1.Manager"
	upowerPath    = dbus.ObjectPath("/org/freedesktop/UPower")
	upowerIface   = "org.freedesktop.UPower"
	propsIface    = "org.freedesktop.DBus.Properties"
	lidProperty   = "LidIsClosed"
	prepareSignal = login1Iface + ".PrepareForSleep"
	propsSignal   = propsIface + ".PropertiesChanged"
)

// PowerSource bridges logind suspend notifications and UPower lid state
// from the system bus into suspend and lid events.
type PowerSource struct {
	log zerolog.Logger
}

func NewPowerSource() *PowerSource {
	return &PowerSource{log: logging.WithComponent("power")}
}

func (p *PowerSource) Name() string   { return "power" }
func (p *PowerSource) Optional() bool { return true }

func (p *PowerSource) Run(ctx context.Context, sink event.Sink) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(login1Path),
		dbus.WithMatchInterface(login1Iface),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		return fmt.Errorf("subscribe PrepareForSleep: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(upowerPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		p.log.Debug().Err(err).Msg("lid monitoring unavailable")
	} else {
		p.seedLidState(conn, sink)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	p.log.Info().Msg("power adapter connected")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus signal stream closed")
			}
			p.handleSignal(sig, sink)
		}
	}
}

func (p *PowerSource) handleSignal(sig *dbus.Signal, sink event.Sink) {
	switch sig.Name {
	case prepareSignal:
		if len(sig.Body) < 1 {
			return
		}
		entering, ok := sig.Body[0].(bool)
		if !ok {
			return
		}
		phase := event.SuspendPost
		if entering {
			phase = event.SuspendPre
		}
		p.log.Info().Str("phase", string(phase)).Msg("suspend notification")
		sink.Push(event.Event{
			Source:  p.Name(),
			Kind:    event.KindSuspend,
			At:      time.Now(),
			Suspend: phase,
		})

	case propsSignal:
		if sig.Path != upowerPath || len(sig.Body) < 2 {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		variant, ok := changed[lidProperty]
		if !ok {
			return
		}
		closed, ok := variant.Value().(bool)
		if !ok {
			return
		}
		p.pushLid(closed, sink)
	}
}

func (p *PowerSource) seedLidState(conn *dbus.Conn, sink event.Sink) {
	variant, err := conn.Object(upowerIface, upowerPath).GetProperty(upowerIface + "." + lidProperty)
	if err != nil {
		p.log.Debug().Err(err).Msg("lid state unavailable")
		return
	}
	if closed, ok := variant.Value().(bool); ok && closed {
		p.pushLid(true, sink)
	}
}

func (p *PowerSource) pushLid(closed bool, sink event.Sink) {
	state := event.LidOpen
	if closed {
		state = event.LidClosed
	}
	p.log.Info().Str("lid", string(state)).Msg("lid state changed")
	sink.Push(event.Event{
		Source: p.Name(),
		Kind:   event.KindLid,
		At:     time.Now(),
		Lid:    state,
	})
}
