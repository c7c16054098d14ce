// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package memory abstracts the two address spaces veil patches: the
// controller's own process and a remote debuggee opened by pid.
package memory

import (
	"errors"
	"fmt"
)

// Protection is a Win32 page protection constant.
type Protection uint32

const (
	ProtNoAccess         Protection = 0x01
	ProtReadOnly         Protection = 0x02
	ProtReadWrite        Protection = 0x04
	ProtExecute          Protection = 0x10
	ProtExecuteRead      Protection = 0x20
	ProtExecuteReadWrite Protection = 0x40
)

// ErrUnsupported is returned by every operation on platforms without a
// native implementation.
var ErrUnsupported = errors.New("memory: unsupported platform")

func (p Protection) String() string {
	switch p {
	case ProtNoAccess:
		return "PAGE_NOACCESS"
	case ProtReadOnly:
		return "PAGE_READONLY"
	case ProtReadWrite:
		return "PAGE_READWRITE"
	case ProtExecute:
		return "PAGE_EXECUTE"
	case ProtExecuteRead:
		return "PAGE_EXECUTE_READ"
	case ProtExecuteReadWrite:
		return "PAGE_EXECUTE_READWRITE"
	}
	return fmt.Sprintf("PAGE(0x%x)", uint32(p))
}

// Space is an address space whose pages can be reprotected and rewritten.
//
// Write must not tear an instruction that another thread may be executing:
// when data fits inside one naturally aligned 8-byte word, implementations
// issue a single aligned 8-byte store.
type Space interface {
	Protect(addr, size uintptr, prot Protection) (old Protection, err error)
	Read(addr uintptr, buf []byte) error
	Write(addr uintptr, data []byte) error
}

// Allocator hands out executable memory for trampolines. near is a hint:
// implementations try to place the block within a rel32 jump of it.
type Allocator interface {
	Alloc(near, size uintptr) (uintptr, error)
	Free(addr uintptr) error
}

// LocalSpace is the controller's own address space.
type LocalSpace interface {
	Space
	Allocator
}

// Process is a remote address space opened with full VM access.
// Close must be called on every path once Open succeeded.
type Process interface {
	Space
	PID() uint32
	Close() error
}

// Opener opens remote processes by pid.
type Opener interface {
	Open(pid uint32) (Process, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(pid uint32) (Process, error)

// Open calls f(pid).
func (f OpenerFunc) Open(pid uint32) (Process, error) { return f(pid) }

// Overlaps reports whether [a, a+alen) and [b, b+blen) intersect.
func Overlaps(a, alen, b, blen uintptr) bool {
	return a < b+blen && b < a+alen
}

// SingleWord reports whether [addr, addr+n) lies inside one aligned 8-byte
// word, i.e. whether a write of n bytes can be issued as one atomic store.
func SingleWord(addr uintptr, n int) bool {
	if n <= 0 || n > 8 {
		return false
	}
	return addr&^7 == (addr+uintptr(n)-1)&^7
}
