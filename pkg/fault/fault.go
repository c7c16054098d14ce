// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package fault holds the error taxonomy shared by the hook registry, the
// remote patcher and the concealment engine. None of these errors is fatal:
// the engine turns each into a diagnostic and carries on.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution matches any *ResolutionError.
	ErrResolution = errors.New("resolution failed")
	// ErrPatch matches any *PatchError.
	ErrPatch = errors.New("patch failed")
	// ErrProcessAccess matches any *ProcessAccessError.
	ErrProcessAccess = errors.New("process access denied")
)

// ResolutionError reports a module that is not loaded or a symbol that is
// not exported.
type ResolutionError struct {
	Module string
	Symbol string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("resolve %s: %v", e.Module, e.Err)
	}
	return fmt.Sprintf("resolve %s!%s: %v", e.Module, e.Symbol, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// PatchError reports a failed memory protection change, read, write or
// allocation, local or remote. Op names the failing step.
type PatchError struct {
	Op   string
	Addr uintptr
	Err  error
}

func (e *PatchError) Error() string {
	if e.Addr == 0 {
		return fmt.Sprintf("patch %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("patch %s at %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }

func (e *PatchError) Is(target error) bool { return target == ErrPatch }

// ProcessAccessError reports a target process that could not be opened,
// either for lack of privilege or because it already exited.
type ProcessAccessError struct {
	PID uint32
	Err error
}

func (e *ProcessAccessError) Error() string {
	return fmt.Sprintf("open process %d: %v", e.PID, e.Err)
}

func (e *ProcessAccessError) Unwrap() error { return e.Err }

func (e *ProcessAccessError) Is(target error) bool { return target == ErrProcessAccess }

// Patch builds a *PatchError.
func Patch(op string, addr uintptr, err error) error {
	return &PatchError{Op: op, Addr: addr, Err: err}
}
