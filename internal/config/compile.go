package config

import (
	"fmt"
	"strings"
	"time"
)

// rawConfig mirrors the TOML file layout before validation.
type rawConfig struct {
	SocketPath    string                `toml:"socket_path"`
	StatePath     string                `toml:"state_path"`
	LogLevel      string                `toml:"log_level"`
	ScanInterval  string                `toml:"scan_interval"`
	ActiveProfile string                `toml:"active_profile"`
	Plans         map[string]rawPlan    `toml:"plans"`
	Profiles      map[string]rawProfile `toml:"profiles"`
}

type rawPlan struct {
	Steps []rawStep `toml:"steps"`
}

type rawStep struct {
	ID            string `toml:"id"`
	Kind          string `toml:"kind"`
	Command       string `toml:"command"`
	NotifyBefore  string `toml:"notify_before"`
	NotifyMessage string `toml:"notify_message"`
	OnFailure     string `toml:"on_failure"`
	Lock          bool   `toml:"lock"`
	LostPolicy    string `toml:"lost_policy"`
	For           string `toml:"for"`
}

type rawProfile struct {
	Timeouts          []rawTimeout `toml:"timeouts"`
	InhibitApps       []string     `toml:"inhibit_apps"`
	MediaAware        bool         `toml:"media_aware"`
	IgnoreRemoteMedia bool         `toml:"ignore_remote_media"`
	MediaBlacklist    []string     `toml:"media_blacklist"`
	LidClosePlan      string       `toml:"lid_close_plan"`
	PreSuspendCommand string       `toml:"pre_suspend_command"`
}

type rawTimeout struct {
	After string `toml:"after"`
	Plan  string `toml:"plan"`
}

func compile(raw rawConfig) (*Config, error) {
	cfg := &Config{
		SocketPath:    raw.SocketPath,
		StatePath:     raw.StatePath,
		LogLevel:      raw.LogLevel,
		ActiveProfile: strings.TrimSpace(raw.ActiveProfile),
		Profiles:      map[string]*Profile{},
		Plans:         map[string]*Plan{},
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath()
	}
	cfg.ScanInterval = 3 * time.Second
	if raw.ScanInterval != "" {
		d, err := time.ParseDuration(raw.ScanInterval)
		if err != nil || d < time.Second {
			return nil, fmt.Errorf("%w: scan_interval %q", ErrConfigInvalid, raw.ScanInterval)
		}
		cfg.ScanInterval = d
	}

	for name, rp := range raw.Plans {
		plan, err := compilePlan(name, rp)
		if err != nil {
			return nil, err
		}
		cfg.Plans[name] = plan
	}
	for name, rp := range raw.Profiles {
		prof, err := compileProfile(name, rp, cfg.Plans)
		if err != nil {
			return nil, err
		}
		cfg.Profiles[name] = prof
	}

	if cfg.ActiveProfile != "" && !strings.EqualFold(cfg.ActiveProfile, "none") {
		if _, ok := cfg.Profiles[cfg.ActiveProfile]; !ok {
			return nil, fmt.Errorf("%w: active_profile %q not defined", ErrConfigInvalid, cfg.ActiveProfile)
		}
	}
	return cfg, nil
}

func compilePlan(name string, rp rawPlan) (*Plan, error) {
	if len(rp.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan %q has no steps", ErrConfigInvalid, name)
	}
	plan := &Plan{Name: name, Steps: make([]Step, 0, len(rp.Steps))}
	seen := map[string]bool{}
	seqIDs := map[string]bool{}
	for i, rs := range rp.Steps {
		step, err := compileStep(name, i, rs)
		if err != nil {
			return nil, err
		}
		key := normalizeStepName(step.ID)
		if seen[key] {
			return nil, fmt.Errorf("%w: plan %q: duplicate step id %q", ErrConfigInvalid, name, step.ID)
		}
		seen[key] = true
		if step.Kind == StepSequential {
			seqIDs[key] = true
		}
		plan.Steps = append(plan.Steps, step)
	}
	for _, s := range plan.Steps {
		if s.Kind != StepResume {
			continue
		}
		if s.For == "" {
			return nil, fmt.Errorf("%w: plan %q: resume step %q needs `for`", ErrConfigInvalid, name, s.ID)
		}
		if !seqIDs[normalizeStepName(s.For)] {
			return nil, fmt.Errorf("%w: plan %q: resume step %q pairs unknown sequential step %q", ErrConfigInvalid, name, s.ID, s.For)
		}
	}
	return plan, nil
}

func compileStep(plan string, idx int, rs rawStep) (Step, error) {
	step := Step{
		ID:            strings.TrimSpace(rs.ID),
		Command:       strings.TrimSpace(rs.Command),
		NotifyMessage: rs.NotifyMessage,
		Lock:          rs.Lock,
		For:           strings.TrimSpace(rs.For),
	}
	if step.ID == "" {
		return Step{}, fmt.Errorf("%w: plan %q: step %d has no id", ErrConfigInvalid, plan, idx)
	}
	if step.Command == "" {
		return Step{}, fmt.Errorf("%w: plan %q: step %q has no command", ErrConfigInvalid, plan, step.ID)
	}
	switch StepKind(rs.Kind) {
	case StepStartup, StepSequential, StepInstant, StepResume:
		step.Kind = StepKind(rs.Kind)
	case "":
		step.Kind = StepSequential
	default:
		return Step{}, fmt.Errorf("%w: plan %q: step %q kind %q", ErrConfigInvalid, plan, step.ID, rs.Kind)
	}
	if step.Lock && step.Kind != StepSequential {
		return Step{}, fmt.Errorf("%w: plan %q: step %q: lock requires kind=sequential", ErrConfigInvalid, plan, step.ID)
	}
	switch FailurePolicy(rs.OnFailure) {
	case FailAbort, FailContinue:
		step.OnFailure = FailurePolicy(rs.OnFailure)
	case "":
		step.OnFailure = FailContinue
	default:
		return Step{}, fmt.Errorf("%w: plan %q: step %q on_failure %q", ErrConfigInvalid, plan, step.ID, rs.OnFailure)
	}
	switch LostPolicy(rs.LostPolicy) {
	case LostFail, LostAssumeComplete:
		step.LostPolicy = LostPolicy(rs.LostPolicy)
	case "":
		step.LostPolicy = LostFail
	default:
		return Step{}, fmt.Errorf("%w: plan %q: step %q lost_policy %q", ErrConfigInvalid, plan, step.ID, rs.LostPolicy)
	}
	if rs.NotifyBefore != "" {
		d, err := time.ParseDuration(rs.NotifyBefore)
		if err != nil || d < 0 {
			return Step{}, fmt.Errorf("%w: plan %q: step %q notify_before %q", ErrConfigInvalid, plan, step.ID, rs.NotifyBefore)
		}
		step.NotifyBefore = d
	}
	return step, nil
}

func compileProfile(name string, rp rawProfile, plans map[string]*Plan) (*Profile, error) {
	prof := &Profile{
		Name:              name,
		MediaAware:        rp.MediaAware,
		IgnoreRemoteMedia: rp.IgnoreRemoteMedia,
		LidClosePlan:      strings.TrimSpace(rp.LidClosePlan),
		PreSuspendCommand: strings.TrimSpace(rp.PreSuspendCommand),
	}
	if len(rp.Timeouts) == 0 {
		return nil, fmt.Errorf("%w: profile %q has no timeouts", ErrConfigInvalid, name)
	}
	var prev time.Duration
	for i, rt := range rp.Timeouts {
		d, err := time.ParseDuration(rt.After)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: profile %q: timeout %d after %q", ErrConfigInvalid, name, i, rt.After)
		}
		if d <= prev {
			return nil, fmt.Errorf("%w: profile %q: thresholds must strictly increase", ErrConfigInvalid, name)
		}
		prev = d
		if _, ok := plans[rt.Plan]; !ok {
			return nil, fmt.Errorf("%w: profile %q: timeout %d references unknown plan %q", ErrConfigInvalid, name, i, rt.Plan)
		}
		prof.Timeouts = append(prof.Timeouts, Timeout{Threshold: d, Plan: rt.Plan})
	}
	if prof.LidClosePlan != "" {
		if _, ok := plans[prof.LidClosePlan]; !ok {
			return nil, fmt.Errorf("%w: profile %q: lid_close_plan %q unknown", ErrConfigInvalid, name, prof.LidClosePlan)
		}
	}
	var err error
	if prof.InhibitPatterns, err = compileMatchers(rp.InhibitApps); err != nil {
		return nil, fmt.Errorf("%w: profile %q: %v", ErrConfigInvalid, name, err)
	}
	if prof.MediaBlacklist, err = compileMatchers(rp.MediaBlacklist); err != nil {
		return nil, fmt.Errorf("%w: profile %q: %v", ErrConfigInvalid, name, err)
	}
	return prof, nil
}

// Default returns the built-in configuration: a single profile that
// locks after ten minutes and suspends after thirty.
func Default() *Config {
	lock := &Plan{
		Name: "lock",
		Steps: []Step{
			{ID: "locker", Kind: StepSequential, Command: "loginctl lock-session", OnFailure: FailContinue, LostPolicy: LostFail},
		},
	}
	suspend := &Plan{
		Name: "suspend",
		Steps: []Step{
			{ID: "suspend", Kind: StepSequential, Command: "systemctl suspend", OnFailure: FailAbort, LostPolicy: LostFail,
				NotifyBefore: 30 * time.Second, NotifyMessage: "Suspending soon"},
		},
	}
	return &Config{
		SocketPath:    DefaultSocketPath(),
		StatePath:     DefaultStatePath(),
		ScanInterval:  3 * time.Second,
		ActiveProfile: "default",
		Plans:         map[string]*Plan{"lock": lock, "suspend": suspend},
		Profiles: map[string]*Profile{
			"default": {
				Name: "default",
				Timeouts: []Timeout{
					{Threshold: 10 * time.Minute, Plan: "lock"},
					{Threshold: 30 * time.Minute, Plan: "suspend"},
				},
			},
		},
	}
}
