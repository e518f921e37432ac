package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/idlewatch/idlewatch/internal/event"
)

// startTestServer runs a server plus a canned engine loop that answers
// every command, returning a connected client.
func startTestServer(t *testing.T) (*Client, *event.Dispatcher) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "idlewatch.sock")
	disp := event.NewDispatcher()
	srv := NewServer(socket, disp)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx) //nolint:errcheck

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-disp.Events():
				if ev.Kind != event.KindCommand {
					continue
				}
				cmd := ev.Command
				switch cmd.Name {
				case event.CmdInfo:
					cmd.Reply <- event.Reply{OK: true, Info: &event.Snapshot{Phase: "active", Profile: "desk"}}
				case event.CmdPause:
					cmd.Reply <- event.Reply{OK: true, Message: "Paused until " + cmd.Until.Format(time.RFC3339)}
				case event.CmdTrigger:
					if cmd.Arg == "ghost" {
						cmd.Reply <- event.Reply{Message: "step not found"}
					} else {
						cmd.Reply <- event.Reply{OK: true, Message: "triggered " + cmd.Arg}
					}
				case event.CmdListProfiles:
					cmd.Reply <- event.Reply{OK: true, Names: []string{"desk (active)", "travel"}}
				default:
					cmd.Reply <- event.Reply{OK: true}
				}
			}
		}
	}()

	waitForSocket(t, socket)
	return NewClient(socket), disp
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestInfoRoundTrip(t *testing.T) {
	c, _ := startTestServer(t)
	resp, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !resp.OK || resp.Info == nil || resp.Info.Profile != "desk" {
		t.Fatalf("info response = %+v", resp)
	}
}

func TestPauseCarriesDeadline(t *testing.T) {
	c, _ := startTestServer(t)
	until := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	resp, err := c.Pause(context.Background(), until)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	want := "Paused until " + until.Format(time.RFC3339)
	if !resp.OK || resp.Message != want {
		t.Fatalf("pause response = %+v, want message %q", resp, want)
	}
}

func TestTriggerRefusalIsNotOK(t *testing.T) {
	c, _ := startTestServer(t)
	resp, err := c.Trigger(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if resp.OK || resp.Message != "step not found" {
		t.Fatalf("trigger response = %+v", resp)
	}
}

func TestProfilesList(t *testing.T) {
	c, _ := startTestServer(t)
	resp, err := c.Profiles(context.Background())
	if err != nil {
		t.Fatalf("Profiles: %v", err)
	}
	if len(resp.Names) != 2 || resp.Names[0] != "desk (active)" {
		t.Fatalf("profiles = %+v", resp.Names)
	}
}

func TestHealthNeedsNoEngine(t *testing.T) {
	c, _ := startTestServer(t)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestSecondServerRefused(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "idlewatch.sock")
	disp := event.NewDispatcher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := NewServer(socket, disp)
	go first.Start(ctx) //nolint:errcheck
	waitForSocket(t, socket)

	second := NewServer(socket, disp)
	err := second.Start(ctx)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
}

func TestClientUnreachableDaemon(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "nobody.sock"))
	if _, err := c.Info(context.Background()); err == nil {
		t.Fatal("Info against missing socket succeeded")
	}
}
