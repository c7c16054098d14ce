// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package memory

type unsupported struct{}

// Local returns an address space whose every operation fails with
// ErrUnsupported.
func Local() LocalSpace { return unsupported{} }

func (unsupported) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	return 0, ErrUnsupported
}
func (unsupported) Read(addr uintptr, buf []byte) error { return ErrUnsupported }
func (unsupported) Write(addr uintptr, data []byte) error { return ErrUnsupported }
func (unsupported) Alloc(near, size uintptr) (uintptr, error) { return 0, ErrUnsupported }
func (unsupported) Free(addr uintptr) error { return ErrUnsupported }

// Processes returns an Opener that always fails with ErrUnsupported.
func Processes() Opener {
	return OpenerFunc(func(uint32) (Process, error) { return nil, ErrUnsupported })
}
