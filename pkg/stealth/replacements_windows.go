// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package stealth

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const statusUnsuccessful = 0xC0000001

// rawWaitStateChange mirrors the head of DBGUI_WAIT_STATE_CHANGE up to
// StateInfo.Exception.ExceptionRecord.ExceptionCode.
type rawWaitStateChange struct {
	NewState      uint32
	UniqueProcess uintptr
	UniqueThread  uintptr
	ExceptionCode uint32
}

type rawDebugEvent struct {
	Code      uint32
	ProcessID uint32
	ThreadID  uint32
}

// Originals looks up the chaining address of an installed hook.
// *hook.Manager satisfies it.
type Originals interface {
	Original(replacement uintptr) (uintptr, bool)
}

// NewReplacements builds the native local-stealth hook replacements. Both
// chain to the original function through originals once they are done.
func NewReplacements(e *Engine, originals Originals) (Replacements, error) {
	var r Replacements

	// NTSTATUS DbgUiConvertStateChangeStructure(PDBGUI_WAIT_STATE_CHANGE, LPDEBUG_EVENT)
	r.DebugWait = windows.NewCallback(func(wait, event uintptr) uintptr {
		w := (*rawWaitStateChange)(unsafe.Pointer(wait))
		var out DebugEvent
		if e.HideDebugPrint(WaitStateChange{
			NewState:      w.NewState,
			ProcessID:     uint32(w.UniqueProcess),
			ThreadID:      uint32(w.UniqueThread),
			ExceptionCode: w.ExceptionCode,
		}, &out) {
			de := (*rawDebugEvent)(unsafe.Pointer(event))
			de.Code, de.ProcessID, de.ThreadID = out.Code, out.ProcessID, out.ThreadID
			return 0
		}
		orig, ok := originals.Original(r.DebugWait)
		if !ok {
			return statusUnsuccessful
		}
		ret, _, _ := syscall.SyscallN(orig, wait, event)
		return ret
	})

	// BOOL DebugActiveProcess(DWORD dwProcessId)
	r.AttachEntry = windows.NewCallback(func(pid uintptr) uintptr {
		e.OnAttachEntry(uint32(pid))
		orig, ok := originals.Original(r.AttachEntry)
		if !ok {
			return 0
		}
		ret, _, _ := syscall.SyscallN(orig, pid)
		return ret
	})

	return r, nil
}
