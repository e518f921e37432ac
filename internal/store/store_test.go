package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestLoadEmptyStore(t *testing.T) {
	s := openTestStore(t)
	rt, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rt.HasProfile || rt.ManualInhibit || !rt.PausedUntil.IsZero() {
		t.Fatalf("fresh store returned %+v", rt)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	until := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	s.SaveRuntime("desk", true, until)
	rt, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !rt.HasProfile || rt.Profile != "desk" || !rt.ManualInhibit {
		t.Fatalf("loaded %+v", rt)
	}
	if !rt.PausedUntil.Equal(until) {
		t.Fatalf("paused until = %v, want %v", rt.PausedUntil, until)
	}
}

func TestSaveOverwritesSingleRow(t *testing.T) {
	s := openTestStore(t)
	s.SaveRuntime("desk", true, time.Now().Add(time.Hour))
	s.SaveRuntime("none", false, time.Time{})

	rt, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rt.Profile != "none" || rt.ManualInhibit || !rt.PausedUntil.IsZero() {
		t.Fatalf("loaded %+v", rt)
	}
}

func TestReopenPreservesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SaveRuntime("desk", false, time.Time{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close() //nolint:errcheck
	rt, err := s2.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rt.Profile != "desk" || !rt.HasProfile {
		t.Fatalf("loaded %+v", rt)
	}
}
