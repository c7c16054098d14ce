// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package memory

import (
	"fmt"

	"golang.org/x/sys/windows"
)

const processVMAccess = windows.PROCESS_VM_OPERATION |
	windows.PROCESS_VM_READ |
	windows.PROCESS_VM_WRITE |
	windows.PROCESS_QUERY_INFORMATION

type remote struct {
	pid    uint32
	handle windows.Handle
}

// Processes opens remote processes through OpenProcess.
func Processes() Opener {
	return OpenerFunc(func(pid uint32) (Process, error) {
		h, err := windows.OpenProcess(processVMAccess, false, pid)
		if err != nil {
			return nil, fmt.Errorf("OpenProcess %d: %w", pid, err)
		}
		return &remote{pid: pid, handle: h}, nil
	})
}

func (r *remote) PID() uint32 { return r.pid }

func (r *remote) Protect(addr, size uintptr, prot Protection) (Protection, error) {
	var old uint32
	if err := windows.VirtualProtectEx(r.handle, addr, size, uint32(prot), &old); err != nil {
		return 0, fmt.Errorf("VirtualProtectEx %d %#x+%#x: %w", r.pid, addr, size, err)
	}
	return Protection(old), nil
}

func (r *remote) Read(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	var n uintptr
	if err := windows.ReadProcessMemory(r.handle, addr, &buf[0], uintptr(len(buf)), &n); err != nil {
		return fmt.Errorf("ReadProcessMemory %d %#x: %w", r.pid, addr, err)
	}
	if n != uintptr(len(buf)) {
		return fmt.Errorf("ReadProcessMemory %d %#x: short read %d/%d", r.pid, addr, n, len(buf))
	}
	return nil
}

func (r *remote) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var n uintptr
	if err := windows.WriteProcessMemory(r.handle, addr, &data[0], uintptr(len(data)), &n); err != nil {
		return fmt.Errorf("WriteProcessMemory %d %#x: %w", r.pid, addr, err)
	}
	if n != uintptr(len(data)) {
		return fmt.Errorf("WriteProcessMemory %d %#x: short write %d/%d", r.pid, addr, n, len(data))
	}
	procFlushInstructionCache.Call(uintptr(r.handle), addr, uintptr(len(data)))
	return nil
}

func (r *remote) Close() error {
	if r.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(r.handle)
	r.handle = 0
	return err
}
