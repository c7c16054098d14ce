// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stealth

import (
	"time"

	"github.com/google/uuid"

	"github.com/mbeema/veil/pkg/config"
	"github.com/mbeema/veil/pkg/policy"
)

// State is the lifecycle state of a session.
type State int

const (
	Idle State = iota
	Attached
	Started
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attached:
		return "attached"
	case Started:
		return "started"
	case Exited:
		return "exited"
	}
	return "unknown"
}

// Snapshot is the configuration a session was attached with. Later events
// of the session use it even if the configuration file changes.
type Snapshot struct {
	Profile    string
	ConfigFile string
	Options    config.Profile
}

// Session is the per-debuggee concealment state. Values returned by the
// engine are copies.
type Session struct {
	ID         uuid.UUID
	PID        uint32
	Name       string
	State      State
	Base       uintptr
	Snapshot   Snapshot
	AttachedAt time.Time

	Breakpoints  uint64
	Exceptions   uint64
	Suppressed   uint64
	LastDecision *policy.Decision
}

func newSession(pid uint32, name string, snap Snapshot) *Session {
	return &Session{
		ID:         uuid.New(),
		PID:        pid,
		Name:       name,
		State:      Attached,
		Snapshot:   snap,
		AttachedAt: time.Now(),
	}
}

func (s *Session) clone() Session {
	c := *s
	if s.LastDecision != nil {
		d := *s.LastDecision
		c.LastDecision = &d
	}
	return c
}
