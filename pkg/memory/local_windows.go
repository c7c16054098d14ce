// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package memory

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
)

// allocation granularity on every supported Windows release
const allocGranularity = 0x10000

type local struct{}

// Local returns the controller's own address space.
func Local() LocalSpace { return local{} }

func (local) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, uint32(prot), &old); err != nil {
		return 0, fmt.Errorf("VirtualProtect %#x+%#x: %w", addr, size, err)
	}
	return Protection(old), nil
}

func (local) Read(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf)))
	return nil
}

func (local) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if SingleWord(addr, len(data)) {
		word := addr &^ 7
		p := (*uint64)(unsafe.Pointer(word))
		var cur [8]byte
		*(*uint64)(unsafe.Pointer(&cur[0])) = atomic.LoadUint64(p)
		copy(cur[addr-word:], data)
		atomic.StoreUint64(p, *(*uint64)(unsafe.Pointer(&cur[0])))
	} else {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
	}
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(len(data)))
	return nil
}

// Alloc walks outward from near in allocation-granularity steps looking for a
// free region within ±2GB so trampolines stay reachable by rel32 jumps. It
// falls back to an unconstrained allocation.
func (local) Alloc(near, size uintptr) (uintptr, error) {
	const span = 0x7ff00000
	if near != 0 {
		base := near &^ (allocGranularity - 1)
		for off := uintptr(allocGranularity); off < span; off += allocGranularity {
			if addr := tryAlloc(base+off, size); addr != 0 {
				return addr, nil
			}
			if off < base {
				if addr := tryAlloc(base-off, size); addr != 0 {
					return addr, nil
				}
			}
		}
	}
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("VirtualAlloc %#x: %w", size, err)
	}
	return addr, nil
}

func tryAlloc(at, size uintptr) uintptr {
	addr, err := windows.VirtualAlloc(at, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0
	}
	return addr
}

func (local) Free(addr uintptr) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
