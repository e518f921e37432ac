package cli

import (
	"errors"
	"testing"
	"time"
)

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)

func TestParsePauseArgsIndefinite(t *testing.T) {
	until, err := parsePauseArgs(nil, noon)
	if err != nil || !until.IsZero() {
		t.Fatalf("got %v, %v", until, err)
	}
}

func TestParsePauseArgsFor(t *testing.T) {
	cases := []struct {
		arg  string
		want time.Duration
	}{
		{"30m", 30 * time.Minute},
		{"90s", 90 * time.Second},
		{"1h30m", 90 * time.Minute},
		{"45", 45 * time.Minute},
	}
	for _, tc := range cases {
		until, err := parsePauseArgs([]string{"for", tc.arg}, noon)
		if err != nil {
			t.Fatalf("for %s: %v", tc.arg, err)
		}
		if got := until.Sub(noon); got != tc.want {
			t.Errorf("for %s = %v, want %v", tc.arg, got, tc.want)
		}
	}
}

func TestParsePauseArgsUntilClock(t *testing.T) {
	until, err := parsePauseArgs([]string{"until", "14:30"}, noon)
	if err != nil {
		t.Fatalf("until: %v", err)
	}
	want := time.Date(2026, 3, 10, 14, 30, 0, 0, time.Local)
	if !until.Equal(want) {
		t.Fatalf("until = %v, want %v", until, want)
	}

	// A wall-clock time already past today rolls to tomorrow.
	until, err = parsePauseArgs([]string{"until", "08:00"}, noon)
	if err != nil {
		t.Fatalf("until past: %v", err)
	}
	want = time.Date(2026, 3, 11, 8, 0, 0, 0, time.Local)
	if !until.Equal(want) {
		t.Fatalf("until past = %v, want %v", until, want)
	}
}

func TestParsePauseArgsErrors(t *testing.T) {
	bad := [][]string{
		{"for"},
		{"for", "soon"},
		{"for", "-5m"},
		{"for", "0"},
		{"until", "25:99"},
		{"whenever", "5m"},
		{"for", "5m", "extra"},
	}
	for _, args := range bad {
		if _, err := parsePauseArgs(args, noon); !errors.Is(err, ErrUsage) {
			t.Errorf("args %v: err = %v, want ErrUsage", args, err)
		}
	}
}
