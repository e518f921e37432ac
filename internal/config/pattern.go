package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher is a compiled application pattern, either an exact string or a
// regular expression. Patterns prefixed with "re:" compile as regexes;
// everything else matches literally (case-insensitive). Compilation
// happens once at config load, never per scan tick.
type Matcher struct {
	raw     string
	literal string
	re      *regexp.Regexp
}

func CompileMatcher(raw string) (Matcher, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Matcher{}, fmt.Errorf("empty pattern")
	}
	if rest, ok := strings.CutPrefix(raw, "re:"); ok {
		re, err := regexp.Compile(rest)
		if err != nil {
			return Matcher{}, fmt.Errorf("pattern %q: %w", raw, err)
		}
		return Matcher{raw: raw, re: re}, nil
	}
	return Matcher{raw: raw, literal: strings.ToLower(raw)}, nil
}

func compileMatchers(raws []string) ([]Matcher, error) {
	out := make([]Matcher, 0, len(raws))
	for _, raw := range raws {
		m, err := CompileMatcher(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (m Matcher) Match(name string) bool {
	if m.re != nil {
		return m.re.MatchString(name)
	}
	return strings.ToLower(name) == m.literal
}

func (m Matcher) String() string {
	return m.raw
}

// MatchAny reports whether any matcher in the set matches name.
func MatchAny(set []Matcher, name string) bool {
	for _, m := range set {
		if m.Match(name) {
			return true
		}
	}
	return false
}
