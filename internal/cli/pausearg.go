package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parsePauseArgs resolves the pause phrasing to an absolute deadline.
// Accepted forms:
//
//	(nothing)        pause indefinitely
//	for 30m          duration suffixes s/m/h, bare numbers are minutes
//	until 14:30      next occurrence of that wall-clock time
//	until <RFC3339>  absolute timestamp
func parsePauseArgs(args []string, now time.Time) (time.Time, error) {
	if len(args) == 0 {
		return time.Time{}, nil
	}
	if len(args) != 2 {
		return time.Time{}, fmt.Errorf("%w: expected 'for <duration>' or 'until <time>'", ErrUsage)
	}
	switch strings.ToLower(args[0]) {
	case "for":
		d, err := parseDurationArg(args[1])
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	case "until":
		return parseUntilArg(args[1], now)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown keyword %q, expected 'for' or 'until'", ErrUsage, args[0])
	}
}

func parseDurationArg(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%w: duration must be positive", ErrUsage)
		}
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad duration %q", ErrUsage, s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrUsage)
	}
	return d, nil
}

func parseUntilArg(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		if !t.After(now) {
			return time.Time{}, fmt.Errorf("%w: %q is in the past", ErrUsage, s)
		}
		return t, nil
	}
	clock, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad time %q, expected HH:MM or RFC3339", ErrUsage, s)
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}
