// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
)

// Store is the process-wide configuration cache. The file is read on first
// use; afterwards Snapshot returns the cached *Config until Reload or
// Replace swaps in a new one. Snapshots are never mutated.
type Store struct {
	path string

	once sync.Once
	err  error
	cur  atomic.Pointer[Config]
}

// NewStore returns a store backed by path, or DefaultPath when path is
// empty. Nothing is read until the first Snapshot.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Snapshot returns the current configuration, loading it on first call. A
// missing file yields DefaultConfig.
func (s *Store) Snapshot() (*Config, error) {
	s.once.Do(func() {
		cfg, err := s.load()
		if err != nil {
			s.err = err
			return
		}
		s.cur.Store(cfg)
	})
	if cfg := s.cur.Load(); cfg != nil {
		return cfg, nil
	}
	return nil, s.err
}

// Reload rereads the backing file. On error the previous snapshot stays
// in place.
func (s *Store) Reload() (*Config, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	s.Replace(cfg)
	return cfg, nil
}

// Replace installs cfg as the current snapshot.
func (s *Store) Replace(cfg *Config) {
	s.once.Do(func() {})
	s.cur.Store(cfg)
}

func (s *Store) load() (*Config, error) {
	cfg, err := Load(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = DefaultConfig()
		cfg.file = s.path
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}
