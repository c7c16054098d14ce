// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package debugloop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/mbeema/veil/pkg/fault"
	"github.com/mbeema/veil/pkg/stealth"
)

var (
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	// resolved through the export so an installed attach hook runs
	procDebugActiveProcess        = kernel32.NewProc("DebugActiveProcess")
	procDebugActiveProcessStop    = kernel32.NewProc("DebugActiveProcessStop")
	procDebugSetProcessKillOnExit = kernel32.NewProc("DebugSetProcessKillOnExit")
	procWaitForDebugEvent         = kernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent        = kernel32.NewProc("ContinueDebugEvent")
)

// Run attaches to t.PID and pumps debug events until the process exits or
// ctx is cancelled, in which case the debugger detaches and leaves the
// process running.
func (l *Loop) Run(ctx context.Context, t Target) error {
	if l.dispatcher == nil {
		return errors.New("debugloop: no dispatcher")
	}

	// debug events are delivered to the attaching thread only
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r, _, err := procDebugActiveProcess.Call(uintptr(t.PID)); r == 0 {
		return &fault.ProcessAccessError{PID: t.PID, Err: fmt.Errorf("DebugActiveProcess: %w", err)}
	}
	procDebugSetProcessKillOnExit.Call(0)

	l.logger.Info("attached", zap.Uint32("pid", t.PID), zap.String("profile", t.Profile))
	l.dispatcher.Dispatch(stealth.Attach{PID: t.PID, ConfigFile: t.ConfigFile, Profile: t.Profile})

	var storage [debugEventSize64 / 8]uint64
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&storage[0])), debugEventSize64)
	ptrSize := int(unsafe.Sizeof(uintptr(0)))

	for {
		select {
		case <-ctx.Done():
			procDebugActiveProcessStop.Call(uintptr(t.PID))
			l.dispatcher.Dispatch(stealth.ProcessExit{PID: t.PID})
			l.logger.Info("detached", zap.Uint32("pid", t.PID), zap.Uint64("events", l.Events()))
			return nil
		default:
		}

		r, _, err := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(&storage[0])), uintptr(waitTimeout.Milliseconds()))
		if r == 0 {
			if errors.Is(err, windows.ERROR_SEM_TIMEOUT) {
				continue
			}
			return fmt.Errorf("WaitForDebugEvent: %w", err)
		}

		raw, err := parseDebugEvent(buf, ptrSize)
		if err != nil {
			return err
		}
		if raw.File != 0 {
			windows.CloseHandle(windows.Handle(raw.File))
		}

		status := l.handle(raw)
		if r, _, err := procContinueDebugEvent.Call(uintptr(raw.PID), uintptr(raw.TID), uintptr(status)); r == 0 {
			return fmt.Errorf("ContinueDebugEvent: %w", err)
		}

		if raw.Code == ExitProcessDebugEvent && raw.PID == t.PID {
			l.logger.Info("process exited",
				zap.Uint32("pid", t.PID),
				zap.Uint32("exit_code", raw.ExitCode),
				zap.Uint64("events", l.Events()),
			)
			return nil
		}
	}
}
