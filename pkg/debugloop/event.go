// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package debugloop

import (
	"encoding/binary"
	"fmt"

	"github.com/mbeema/veil/pkg/stealth"
)

// DEBUG_EVENT codes.
const (
	ExceptionDebugEvent     uint32 = 1
	CreateThreadDebugEvent  uint32 = 2
	CreateProcessDebugEvent uint32 = 3
	ExitThreadDebugEvent    uint32 = 4
	ExitProcessDebugEvent   uint32 = 5
	LoadDLLDebugEvent       uint32 = 6
	UnloadDLLDebugEvent     uint32 = 7
	OutputDebugStringEvent  uint32 = 8
	RIPEvent                uint32 = 9
)

const (
	exceptionBreakpoint     uint32 = 0x80000003
	exceptionWx86Breakpoint uint32 = 0x4000001F
)

const (
	exceptionMaximumParams = 15
	debugEventSize64       = 176
	debugEventSize32       = 96
)

// RawEvent is the decoded head of a DEBUG_EVENT and the union members veil
// reads.
type RawEvent struct {
	Code uint32
	PID  uint32
	TID  uint32

	// EXCEPTION_DEBUG_EVENT
	ExceptionCode    uint32
	ExceptionAddress uintptr
	FirstChance      bool

	// CREATE_PROCESS_DEBUG_EVENT and LOAD_DLL_DEBUG_EVENT
	File      uintptr
	ImageBase uintptr

	// EXIT_PROCESS_DEBUG_EVENT
	ExitCode uint32
}

// parseDebugEvent decodes a native DEBUG_EVENT buffer for a process with the
// given pointer size (4 or 8).
func parseDebugEvent(buf []byte, ptrSize int) (RawEvent, error) {
	size := debugEventSize64
	if ptrSize == 4 {
		size = debugEventSize32
	}
	if len(buf) < size {
		return RawEvent{}, fmt.Errorf("debug event: short buffer %d < %d", len(buf), size)
	}

	le := binary.LittleEndian
	ptr := func(off int) uintptr {
		if ptrSize == 4 {
			return uintptr(le.Uint32(buf[off:]))
		}
		return uintptr(le.Uint64(buf[off:]))
	}

	ev := RawEvent{
		Code: le.Uint32(buf[0:]),
		PID:  le.Uint32(buf[4:]),
		TID:  le.Uint32(buf[8:]),
	}
	// the union is pointer aligned
	u := 12
	if ptrSize == 8 {
		u = 16
	}

	switch ev.Code {
	case ExceptionDebugEvent:
		// EXCEPTION_RECORD: code, flags, *record, address, nparams, info[15]
		ev.ExceptionCode = le.Uint32(buf[u:])
		ev.ExceptionAddress = ptr(u + 8 + ptrSize)
		info := u + 8 + 2*ptrSize + ptrSize
		if ptrSize == 4 {
			info = u + 20
		}
		recordEnd := info + exceptionMaximumParams*ptrSize
		ev.FirstChance = le.Uint32(buf[recordEnd:]) != 0
	case CreateProcessDebugEvent:
		// hFile, hProcess, hThread, lpBaseOfImage
		ev.File = ptr(u)
		ev.ImageBase = ptr(u + 3*ptrSize)
	case LoadDLLDebugEvent:
		// hFile, lpBaseOfDll
		ev.File = ptr(u)
		ev.ImageBase = ptr(u + ptrSize)
	case ExitProcessDebugEvent:
		ev.ExitCode = le.Uint32(buf[u:])
	}
	return ev, nil
}

func isBreakpoint(code uint32) bool {
	return code == exceptionBreakpoint || code == exceptionWx86Breakpoint
}

// Decode maps a raw debug event to an engine event. Events the engine does
// not consume report false.
func Decode(raw RawEvent) (stealth.Event, bool) {
	switch raw.Code {
	case CreateProcessDebugEvent:
		return stealth.ProcessStart{PID: raw.PID, Base: raw.ImageBase}, true
	case ExitProcessDebugEvent:
		return stealth.ProcessExit{PID: raw.PID}, true
	case ExceptionDebugEvent:
		if isBreakpoint(raw.ExceptionCode) {
			return stealth.Breakpoint{PID: raw.PID, TID: raw.TID, Address: raw.ExceptionAddress}, true
		}
		return stealth.Exception{
			PID:         raw.PID,
			TID:         raw.TID,
			Code:        raw.ExceptionCode,
			Address:     raw.ExceptionAddress,
			FirstChance: raw.FirstChance,
		}, true
	}
	return nil, false
}
