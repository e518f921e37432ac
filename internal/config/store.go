package config

import (
	"sync/atomic"

	"github.com/idlewatch/idlewatch/internal/logging"
	"github.com/rs/zerolog"
)

// Store holds the active configuration behind an atomic pointer. Reload
// swaps the pointer wholesale; a failed reload keeps the previous value.
// In-flight plan activations pin the profile they started with, so a
// swap never mutates them retroactively.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
	log  zerolog.Logger
}

func NewStore(path string) (*Store, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, log: logging.WithComponent("config")}
	s.cur.Store(cfg)
	return s, nil
}

// Path returns the config file location backing this store.
func (s *Store) Path() string {
	return s.path
}

// Current returns the active configuration. The value is immutable.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Reload re-reads the config file and atomically swaps it in. On error
// the previous configuration stays active and the error is returned to
// the caller of reload.
func (s *Store) Reload() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("reload rejected, keeping previous config")
		return nil, err
	}
	s.cur.Store(cfg)
	s.log.Info().Str("path", s.path).Msg("config reloaded")
	return cfg, nil
}
