package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/idlewatch/idlewatch/internal/config"
	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/logging"
)

const (
	mprisPrefix     = "org.mpris.MediaPlayer2."
	mprisPath       = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerIface     = "org.mpris.MediaPlayer2.Player"
	mediaPollPeriod = time.Second
)

// remoteSuffixes marks MPRIS bus names that proxy playback happening on
// another device; skipped when the profile ignores remote media.
var remoteSuffixes = []string{"kdeconnect", "playerctld", "mpd"}

// MediaSource polls playback state once per second. MPRIS players are
// the authoritative feed; raw ALSA stream activity only counts when no
// player is registered, so one playing song never reports twice.
type MediaSource struct {
	rules    *Rules
	log      zerolog.Logger
	asoundir string

	last event.MediaState
}

func NewMediaSource(rules *Rules) *MediaSource {
	return &MediaSource{
		rules:    rules,
		log:      logging.WithComponent("media"),
		asoundir: "/proc/asound",
		last:     event.MediaInactive,
	}
}

func (m *MediaSource) Name() string   { return "media" }
func (m *MediaSource) Optional() bool { return true }

func (m *MediaSource) Run(ctx context.Context, sink event.Sink) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		m.log.Debug().Err(err).Msg("session bus unavailable, media is ALSA-only")
		conn = nil
	}

	ticker := time.NewTicker(mediaPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll(conn, sink)
		}
	}
}

func (m *MediaSource) poll(conn *dbus.Conn, sink event.Sink) {
	rules := m.rules.Get()
	state := event.MediaInactive
	if rules.MediaAware {
		state = m.mprisState(conn, rules)
		if state == event.MediaInactive && m.audioRunning() {
			state = event.MediaActive
		}
	}
	if state == m.last {
		return
	}
	m.log.Info().Str("from", string(m.last)).Str("to", string(state)).Msg("playback state changed")
	m.last = state
	sink.Push(event.Event{
		Source: m.Name(),
		Kind:   event.KindMediaChanged,
		At:     time.Now(),
		Media:  state,
	})
}

func (m *MediaSource) mprisState(conn *dbus.Conn, rules config.RuleSet) event.MediaState {
	if conn == nil {
		return event.MediaInactive
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return event.MediaInactive
	}

	state := event.MediaInactive
	for _, name := range names {
		player, ok := strings.CutPrefix(name, mprisPrefix)
		if !ok {
			continue
		}
		if rules.IgnoreRemoteMedia && isRemotePlayer(player) {
			continue
		}
		if config.MatchAny(rules.MediaBlacklist, player) {
			continue
		}
		variant, err := conn.Object(name, mprisPath).GetProperty(playerIface + ".PlaybackStatus")
		if err != nil {
			continue
		}
		status, _ := variant.Value().(string)
		switch status {
		case "Playing":
			return event.MediaActive
		case "Paused":
			state = event.MediaPaused
		}
	}
	return state
}

func isRemotePlayer(player string) bool {
	lower := strings.ToLower(player)
	for _, suffix := range remoteSuffixes {
		if strings.Contains(lower, suffix) {
			return true
		}
	}
	return false
}

// audioRunning reports whether any ALSA playback substream is in the
// RUNNING state.
func (m *MediaSource) audioRunning() bool {
	statuses, err := filepath.Glob(filepath.Join(m.asoundir, "card*", "pcm*p", "sub*", "status"))
	if err != nil {
		return false
	}
	for _, path := range statuses {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.Contains(string(raw), "state: RUNNING") {
			return true
		}
	}
	return false
}
