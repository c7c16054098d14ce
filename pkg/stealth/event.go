// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stealth

import "fmt"

// Event is a debug-lifecycle notification from the host. The set of
// variants is closed: Attach, ProcessStart, ProcessExit, Breakpoint and
// Exception.
type Event interface {
	event()
	fmt.Stringer
}

// Attach is delivered when the debugger attaches to a running process.
type Attach struct {
	PID        uint32
	ConfigFile string
	Profile    string
}

// ProcessStart is delivered once the target's primary module is mapped.
type ProcessStart struct {
	PID  uint32
	Base uintptr
}

// ProcessExit is delivered when the target terminates or is detached.
type ProcessExit struct {
	PID uint32
}

// Breakpoint is delivered for a breakpoint hit in the target.
type Breakpoint struct {
	PID     uint32
	TID     uint32
	Address uintptr
}

// Exception is delivered for any non-breakpoint exception in the target.
type Exception struct {
	PID         uint32
	TID         uint32
	Code        uint32
	Address     uintptr
	FirstChance bool
}

func (Attach) event()       {}
func (ProcessStart) event() {}
func (ProcessExit) event()  {}
func (Breakpoint) event()   {}
func (Exception) event()    {}

func (e Attach) String() string {
	return fmt.Sprintf("attach pid=%d profile=%q", e.PID, e.Profile)
}

func (e ProcessStart) String() string {
	return fmt.Sprintf("process-start pid=%d base=%#x", e.PID, e.Base)
}

func (e ProcessExit) String() string {
	return fmt.Sprintf("process-exit pid=%d", e.PID)
}

func (e Breakpoint) String() string {
	return fmt.Sprintf("breakpoint pid=%d tid=%d at %#x", e.PID, e.TID, e.Address)
}

func (e Exception) String() string {
	return fmt.Sprintf("exception pid=%d tid=%d code=0x%08X at %#x first=%v", e.PID, e.TID, e.Code, e.Address, e.FirstChance)
}

// PID returns the process an event belongs to.
func PID(ev Event) uint32 {
	switch e := ev.(type) {
	case Attach:
		return e.PID
	case ProcessStart:
		return e.PID
	case ProcessExit:
		return e.PID
	case Breakpoint:
		return e.PID
	case Exception:
		return e.PID
	}
	return 0
}
