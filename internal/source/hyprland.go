package source

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/logging"
)

const (
	// activityTTL is how long one compositor event keeps the session
	// active. Continuous interaction refreshes the inhibitor well
	// before it lapses.
	activityTTL = 15 * time.Second

	// activityThrottle caps how often a busy event stream re-asserts
	// the activity inhibitor.
	activityThrottle = 2 * time.Second
)

// HyprlandSource feeds user activity and focused-window inhibitors from
// the Hyprland event socket. Selected at startup when the instance
// signature environment variable is present.
type HyprlandSource struct {
	rules *Rules
	log   zerolog.Logger

	eventSock string

	focusHeld    bool
	lastActivity time.Time
}

// DetectCompositor picks the compositor backend: Hyprland IPC when
// running under Hyprland, otherwise the process-table scanner.
func DetectCompositor(rules *Rules, scanInterval time.Duration) Source {
	if sig := os.Getenv("HYPRLAND_INSTANCE_SIGNATURE"); sig != "" {
		dir := filepath.Join(os.Getenv("XDG_RUNTIME_DIR"), "hypr", sig)
		return &HyprlandSource{
			rules:     rules,
			log:       logging.WithComponent("hyprland"),
			eventSock: filepath.Join(dir, ".socket2.sock"),
		}
	}
	return NewProcScanner(rules, scanInterval)
}

func (h *HyprlandSource) Name() string   { return "hyprland" }
func (h *HyprlandSource) Optional() bool { return true }

func (h *HyprlandSource) Run(ctx context.Context, sink event.Sink) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", h.eventSock)
	if err != nil {
		return fmt.Errorf("event socket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	h.log.Info().Str("socket", h.eventSock).Msg("connected to compositor event socket")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		name, payload, ok := strings.Cut(scanner.Text(), ">>")
		if !ok {
			continue
		}
		h.markActivity(sink)
		if name == "activewindow" {
			h.focusChanged(payload, sink)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event socket read: %w", err)
	}
	return fmt.Errorf("event socket closed")
}

// markActivity refreshes the short-lived activity inhibitor that keeps
// the session out of countdown while the user interacts.
func (h *HyprlandSource) markActivity(sink event.Sink) {
	now := time.Now()
	if now.Sub(h.lastActivity) < activityThrottle {
		return
	}
	h.lastActivity = now
	sink.Push(event.Event{
		Source: h.Name(),
		Kind:   event.KindInhibitorAdded,
		At:     now,
		Inhibitor: &event.InhibitorChange{
			SourceID:  "hyprland:activity",
			Reason:    "user activity",
			ExpiresAt: now.Add(activityTTL),
		},
	})
}

// focusChanged applies the profile's inhibit patterns to the focused
// window's class and title.
func (h *HyprlandSource) focusChanged(payload string, sink event.Sink) {
	class, title, _ := strings.Cut(payload, ",")
	matchers := h.rules.Get().InhibitApps
	matched := config.MatchAny(matchers, class) || config.MatchAny(matchers, title)
	if matched == h.focusHeld {
		return
	}
	h.focusHeld = matched
	now := time.Now()
	if matched {
		sink.Push(event.Event{
			Source: h.Name(),
			Kind:   event.KindInhibitorAdded,
			At:     now,
			Inhibitor: &event.InhibitorChange{
				SourceID: "hyprland:focus",
				Reason:   "focused window " + class,
			},
		})
		return
	}
	sink.Push(event.Event{
		Source:    h.Name(),
		Kind:      event.KindInhibitorRemoved,
		At:        now,
		Inhibitor: &event.InhibitorChange{SourceID: "hyprland:focus"},
	})
}
