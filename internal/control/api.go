// Package control exposes the daemon over an HTTP/JSON unix socket and
// provides the matching client used by the CLI. A lock file guards
// against a second daemon claiming the same socket.
package control

import (
	"time"

	"github.com/idlewatch/idlewatch/internal/event"
)

// Response is the uniform wire answer for every control endpoint.
type Response struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Info    *event.Snapshot `json:"info,omitempty"`
	Names   []string        `json:"names,omitempty"`
}

// PauseRequest bounds a pause; a zero Until pauses indefinitely. The
// client resolves "for"/"until" phrasing to an absolute instant before
// it hits the wire.
type PauseRequest struct {
	Until time.Time `json:"until,omitempty"`
}

// TriggerRequest names a step id, or "all" for the whole ladder.
type TriggerRequest struct {
	Target string `json:"target"`
}

// ProfileRequest selects a profile; "none" disables automatic timeouts.
type ProfileRequest struct {
	Name string `json:"name"`
}
