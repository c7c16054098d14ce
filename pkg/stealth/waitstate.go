// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stealth

const (
	// DbgPrintExceptionC is raised by OutputDebugString in the debuggee.
	DbgPrintExceptionC uint32 = 0x40010006

	// DBG_STATE values used by DbgUi wait-state changes.
	DbgReplyPending         uint32 = 1
	DbgExceptionStateChange uint32 = 6
)

// WaitStateChange is the part of DBGUI_WAIT_STATE_CHANGE the debug-wait
// hook inspects.
type WaitStateChange struct {
	NewState      uint32
	ProcessID     uint32
	ThreadID      uint32
	ExceptionCode uint32
}

// DebugEvent is the head of a Win32 DEBUG_EVENT.
type DebugEvent struct {
	Code      uint32
	ProcessID uint32
	ThreadID  uint32
}

// HideDebugPrint rewrites a debug-print exception into a reply-pending event
// so the host's wait loop skips it. It reports whether ev was rewritten; if
// not, the caller must run the original conversion.
func (e *Engine) HideDebugPrint(w WaitStateChange, ev *DebugEvent) bool {
	if w.NewState != DbgExceptionStateChange || w.ExceptionCode != DbgPrintExceptionC {
		return false
	}
	ev.ProcessID = w.ProcessID
	ev.ThreadID = w.ThreadID
	ev.Code = DbgReplyPending
	e.stats.debugPrints.Add(1)
	return true
}
