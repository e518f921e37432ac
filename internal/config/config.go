// Package config loads, validates, and holds the daemon configuration:
// action plans, profiles with their timeout ladders, and inhibitor
// patterns. A loaded Profile is immutable; reload swaps the whole value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrConfigInvalid wraps any load or validation failure. On reload the
// previous configuration is retained and the error surfaced to the
// caller.
var ErrConfigInvalid = errors.New("config invalid")

// ErrProfileNotFound is returned when a profile name does not resolve.
var ErrProfileNotFound = errors.New("profile not found")

// StepKind classifies how a plan step participates in sequencing.
type StepKind string

const (
	// StepStartup fires once when the plan activates, off-cursor.
	StepStartup StepKind = "startup"
	// StepSequential runs in declared order; the next sequential step
	// starts only after this one reports success (or its tracked process
	// is reaped / explicitly resumed).
	StepSequential StepKind = "sequential"
	// StepInstant is fire-and-forget relative to the cursor.
	StepInstant StepKind = "instant"
	// StepResume runs when activity returns, after its paired sequential
	// step has been reaped.
	StepResume StepKind = "resume"
)

// FailurePolicy decides whether a failed spawn aborts the remaining
// sequential steps or only logs and continues.
type FailurePolicy string

const (
	FailAbort    FailurePolicy = "abort"
	FailContinue FailurePolicy = "continue"
)

// LostPolicy decides how a lock-class step whose tracked process
// vanished without a wait-observed exit is treated.
type LostPolicy string

const (
	LostFail           LostPolicy = "fail"
	LostAssumeComplete LostPolicy = "assume-complete"
)

// Step is one entry of an action plan.
type Step struct {
	ID            string
	Kind          StepKind
	Command       string
	NotifyBefore  time.Duration
	NotifyMessage string
	OnFailure     FailurePolicy
	// Lock marks a sequential step whose command is expected to hold its
	// process open (a screen locker) until externally resolved.
	Lock       bool
	LostPolicy LostPolicy
	// For pairs a resume step with the id of a sequential step; the
	// resume command runs only after that step's process was reaped.
	For string
}

// Plan is an ordered, named sequence of steps.
type Plan struct {
	Name  string
	Steps []Step
}

// SequentialSteps returns the plan's sequential steps in declared order.
func (p *Plan) SequentialSteps() []Step {
	out := make([]Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Kind == StepSequential {
			out = append(out, s)
		}
	}
	return out
}

// FindStep resolves a step id with the loose matching the trigger
// command uses: case-insensitive, hyphen/underscore-insensitive.
func (p *Plan) FindStep(name string) (Step, bool) {
	want := normalizeStepName(name)
	for _, s := range p.Steps {
		if normalizeStepName(s.ID) == want {
			return s, true
		}
	}
	return Step{}, false
}

func normalizeStepName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "_", "-")
}

// Timeout is one rung of a profile's idle ladder: after Threshold of
// uninhibited time, the referenced plan activates.
type Timeout struct {
	Threshold time.Duration
	Plan      string
}

// Profile bundles timeout ladder, inhibitor patterns, and media policy.
// Immutable once loaded; replaced wholesale on reload.
type Profile struct {
	Name              string
	Timeouts          []Timeout
	InhibitPatterns   []Matcher
	MediaAware        bool
	IgnoreRemoteMedia bool
	MediaBlacklist    []Matcher
	LidClosePlan      string
	PreSuspendCommand string
}

// RuleSet is the subset of profile policy that event sources consult
// while matching window titles, process names, and media players.
type RuleSet struct {
	InhibitApps       []Matcher
	MediaAware        bool
	IgnoreRemoteMedia bool
	MediaBlacklist    []Matcher
}

// RulesFor derives the matching rules for a profile; a nil profile
// yields an empty rule set that matches nothing.
func RulesFor(p *Profile) RuleSet {
	if p == nil {
		return RuleSet{}
	}
	return RuleSet{
		InhibitApps:       p.InhibitPatterns,
		MediaAware:        p.MediaAware,
		IgnoreRemoteMedia: p.IgnoreRemoteMedia,
		MediaBlacklist:    p.MediaBlacklist,
	}
}

// Config is the fully compiled configuration.
type Config struct {
	SocketPath    string
	StatePath     string
	LogLevel      string
	ScanInterval  time.Duration
	ActiveProfile string
	Profiles      map[string]*Profile
	Plans         map[string]*Plan
}

// ProfileNames returns the configured profile names, sorted.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PlanNames returns the configured plan names, sorted.
func (c *Config) PlanNames() []string {
	names := make([]string, 0, len(c.Plans))
	for name := range c.Plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a profile by name. The literal "none" (or empty)
// resolves to nil, which disables automatic timeout evaluation.
func (c *Config) Lookup(name string) (*Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "none") {
		return nil, nil
	}
	if p, ok := c.Profiles[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

// DefaultPath returns the config file location, honoring
// IDLEWATCH_CONFIG and XDG_CONFIG_HOME.
func DefaultPath() string {
	if env := os.Getenv("IDLEWATCH_CONFIG"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "idlewatch", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "idlewatch", "config.toml")
}

// DefaultSocketPath mirrors the runtime-dir convention used for the
// control channel.
func DefaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "idlewatch", "idlewatch.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".idlewatch.sock"
	}
	return filepath.Join(home, ".local", "state", "idlewatch", "idlewatch.sock")
}

// DefaultStatePath is the sqlite runtime-state location.
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "idlewatch.db"
	}
	return filepath.Join(home, ".local", "state", "idlewatch", "state.db")
}

// Load reads and compiles the config file at path.
func Load(path string) (*Config, error) {
	var raw rawConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		keys := make([]string, 0, len(undec))
		for _, k := range undec {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys: %s", ErrConfigInvalid, strings.Join(keys, ", "))
	}
	return compile(raw)
}

// LoadOrDefault loads path if it exists, otherwise returns the built-in
// default configuration so a fresh install still runs.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}
