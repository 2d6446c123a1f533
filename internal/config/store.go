package config

import (
	"sync/atomic"

	"github.com/gravitational/trace"
)

// Store holds the current configuration snapshot. Readers get a stable
// pointer that never mutates; Reload publishes a whole new snapshot with a
// single atomic swap, so no reader ever observes a mix of old and new
// fields.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	version atomic.Uint64
}

// NewStore loads the configuration at path and publishes it as version 1.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Current returns the configuration snapshot in effect right now. The
// returned value must be treated as immutable; a concurrent Reload replaces
// the snapshot but never alters one already handed out.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Path returns the on-disk location the store reloads from.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads and re-validates the configuration file. On any failure
// the current snapshot stays in effect and the error is returned; on
// success the new snapshot becomes visible to all subsequent Current calls.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Version = s.version.Add(1)
	s.current.Store(cfg)
	return nil
}
