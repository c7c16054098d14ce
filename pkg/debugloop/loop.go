// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package debugloop is a minimal Win32 debugger host. It attaches to a
// process, turns native debug events into engine events and honors the
// exception-dialog option the engine sets.
package debugloop

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/veil/pkg/policy"
	"github.com/mbeema/veil/pkg/stealth"
)

// ContinueDebugEvent statuses.
const (
	DbgContinue            uint32 = 0x00010002
	DbgExceptionNotHandled uint32 = 0x80010001
)

// waitTimeout bounds each WaitForDebugEvent so cancellation is noticed.
const waitTimeout = 100 * time.Millisecond

// Dispatcher consumes engine events. *stealth.Engine satisfies it.
type Dispatcher interface {
	Dispatch(ev stealth.Event)
}

// Target identifies the process to debug and the configuration the attach
// event reports.
type Target struct {
	PID        uint32
	ConfigFile string
	Profile    string
}

// Loop runs one debug session. It also owns the host's exception-dialog
// option word, so it satisfies stealth.HostOptions.
type Loop struct {
	dispatcher Dispatcher
	logger     *zap.Logger
	options    atomic.Uint32

	events   atomic.Uint64
	surfaced atomic.Uint64
}

// New creates a loop. Uncatalogued exceptions are surfaced until the
// engine says otherwise.
func New(logger *zap.Logger) *Loop {
	l := &Loop{logger: logger}
	l.options.Store(uint32(policy.ExcDlgUnknown))
	return l
}

// SetDispatcher wires the engine. It must be called before Run.
func (l *Loop) SetDispatcher(d Dispatcher) { l.dispatcher = d }

// Options implements stealth.HostOptions.
func (l *Loop) Options() policy.Options { return policy.Options(l.options.Load()) }

// SetOptions implements stealth.HostOptions.
func (l *Loop) SetOptions(o policy.Options) { l.options.Store(uint32(o)) }

// Events returns the number of debug events handled.
func (l *Loop) Events() uint64 { return l.events.Load() }

// Surfaced returns the number of first-chance exceptions shown to the
// operator.
func (l *Loop) Surfaced() uint64 { return l.surfaced.Load() }

// handle dispatches one raw event and returns the ContinueDebugEvent status.
func (l *Loop) handle(raw RawEvent) uint32 {
	l.events.Add(1)
	ev, ok := Decode(raw)
	if !ok {
		return DbgContinue
	}
	l.dispatcher.Dispatch(ev)

	exc, ok := ev.(stealth.Exception)
	if !ok {
		return DbgContinue
	}
	if exc.FirstChance && l.surface() {
		l.surfaced.Add(1)
		l.logger.Warn("first-chance exception",
			zap.Uint32("pid", exc.PID),
			zap.Uint32("tid", exc.TID),
			zap.String("code", fmt.Sprintf("0x%08X", exc.Code)),
			zap.String("address", fmt.Sprintf("%#x", exc.Address)),
		)
	} else {
		l.logger.Debug("exception passed to debuggee",
			zap.Uint32("pid", exc.PID),
			zap.String("code", fmt.Sprintf("0x%08X", exc.Code)),
			zap.Bool("first_chance", exc.FirstChance),
		)
	}
	return DbgExceptionNotHandled
}

// surface reports whether the dialog option asks for a prompt. The engine
// rewrites the option before each exception reaches here.
func (l *Loop) surface() bool {
	return l.Options().Dialog() != policy.ExcDlgNever
}
