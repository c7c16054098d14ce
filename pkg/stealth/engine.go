// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package stealth is the concealment session engine. It receives typed
// debug-lifecycle events from the host, keeps one session per debuggee and
// drives the hook manager, the remote patcher and the exception policy.
package stealth

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/mbeema/veil/pkg/config"
	"github.com/mbeema/veil/pkg/policy"
)

// Hook targets of local stealth.
const (
	DebugWaitModule   = "ntdll.dll"
	DebugWaitSymbol   = "DbgUiConvertStateChangeStructure"
	AttachEntryModule = "kernel32.dll"
	AttachEntrySymbol = "DebugActiveProcess"
)

var errNoReplacement = errors.New("no replacement available on this platform")

// Hooks installs and removes controller hooks. *hook.Manager satisfies it.
type Hooks interface {
	Install(module, symbol string, replacement uintptr) (uintptr, error)
	Remove(replacement uintptr) error
}

// Patcher restores clean module code in a target. *patcher.Patcher
// satisfies it.
type Patcher interface {
	RestoreCleanModule(pid uint32, module string) error
}

// ConfigSource hands out configuration snapshots. *config.Store satisfies it.
type ConfigSource interface {
	Snapshot() (*config.Config, error)
}

// HostOptions is the host's global exception-dialog option word.
type HostOptions interface {
	Options() policy.Options
	SetOptions(policy.Options)
}

// Replacements are the addresses local-stealth hooks redirect to. A zero
// address means the replacement is unavailable.
type Replacements struct {
	DebugWait   uintptr
	AttachEntry uintptr
}

// Stats are engine-wide counters.
type Stats struct {
	Attaches        uint64
	Exceptions      uint64
	Suppressed      uint64
	Breakpoints     uint64
	Restores        uint64
	RestoreFailures uint64
	DebugPrints     uint64
	Diagnostics     uint64
}

type counters struct {
	attaches        atomic.Uint64
	exceptions      atomic.Uint64
	suppressed      atomic.Uint64
	breakpoints     atomic.Uint64
	restores        atomic.Uint64
	restoreFailures atomic.Uint64
	debugPrints     atomic.Uint64
	diagnostics     atomic.Uint64
}

// Engine is the concealment session engine. Dispatch runs on the host's
// event thread; the status accessors and Reload may be called from other
// goroutines.
type Engine struct {
	hooks    Hooks
	patcher  Patcher
	config   ConfigSource
	host     HostOptions
	reporter Reporter
	logger   *zap.Logger
	names    func(pid uint32) (string, error)

	replMu sync.RWMutex
	repl   Replacements

	// serializes local-stealth reconfiguration
	stealthMu sync.Mutex

	mu       sync.Mutex
	sessions map[uint32]*Session

	stats counters
}

// Option configures an Engine.
type Option func(*Engine)

// WithReporter sets the diagnostic sink. The default logs through zap.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithReplacements sets the hook replacement addresses.
func WithReplacements(r Replacements) Option {
	return func(e *Engine) { e.repl = r }
}

// WithProcessNames replaces the gopsutil process-name lookup.
func WithProcessNames(names func(pid uint32) (string, error)) Option {
	return func(e *Engine) { e.names = names }
}

// NewEngine creates an engine.
func NewEngine(hooks Hooks, patcher Patcher, cfg ConfigSource, host HostOptions, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		hooks:    hooks,
		patcher:  patcher,
		config:   cfg,
		host:     host,
		logger:   logger,
		names:    processName,
		sessions: make(map[uint32]*Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reporter == nil {
		e.reporter = LogReporter(logger)
	}
	return e
}

func processName(pid uint32) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Name()
}

// SetReplacements installs replacement addresses built after the engine,
// typically by NewReplacements.
func (e *Engine) SetReplacements(r Replacements) {
	e.replMu.Lock()
	e.repl = r
	e.replMu.Unlock()
}

func (e *Engine) replacements() Replacements {
	e.replMu.RLock()
	defer e.replMu.RUnlock()
	return e.repl
}

func (e *Engine) report(format string, args ...any) {
	e.stats.diagnostics.Add(1)
	e.reporter.Report(fmt.Sprintf(format, args...))
}

// Start applies local stealth for the current profile. It is meant to be
// called once when the controller comes up, before any attach.
func (e *Engine) Start() {
	e.Prepare("")
}

// Prepare applies local stealth for the profile an upcoming attach will use,
// or the current profile when name is empty. It must run before the host
// calls the attach entry so the attach-entry hook sees that call.
func (e *Engine) Prepare(name string) {
	cfg, err := e.config.Snapshot()
	if err != nil {
		e.report("load configuration: %v", err)
		return
	}
	name, opts, ok := lookupProfile(cfg, name)
	if !ok {
		e.report("prepare: profile %q not found, all concealment off", name)
	}
	if err := e.ApplyLocalStealth(opts); err != nil {
		e.report("apply local stealth for profile %q: %v", name, err)
	}
}

// lookupProfile resolves name, defaulting to the current profile. An unknown
// name yields the zero Profile.
func lookupProfile(cfg *config.Config, name string) (string, config.Profile, bool) {
	if name == "" {
		name = cfg.CurrentProfile()
	}
	opts, ok := cfg.Profile(name)
	return name, opts, ok
}

// Dispatch handles one event. It never returns an error and never panics:
// failures and panics inside handlers become diagnostics.
func (e *Engine) Dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.report("panic while handling %v: %v", ev, r)
		}
	}()

	var err error
	switch ev := ev.(type) {
	case Attach:
		err = e.onAttach(ev)
	case ProcessStart:
		err = e.onProcessStart(ev)
	case ProcessExit:
		err = e.onProcessExit(ev)
	case Breakpoint:
		err = e.onBreakpoint(ev)
	case Exception:
		err = e.onException(ev)
	default:
		err = fmt.Errorf("unknown event %T", ev)
	}
	if err != nil {
		e.report("%v: %v", ev, err)
	}
}

func (e *Engine) onAttach(ev Attach) error {
	e.mu.Lock()
	if s, ok := e.sessions[ev.PID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("session %s already %s for this pid", s.ID, s.State)
	}
	e.mu.Unlock()

	cfg, err := e.config.Snapshot()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	name, opts, ok := lookupProfile(cfg, ev.Profile)
	snap := Snapshot{
		Profile:    name,
		ConfigFile: ev.ConfigFile,
	}
	if snap.ConfigFile == "" {
		snap.ConfigFile = cfg.DefaultConfigFile()
	}
	if !ok {
		e.report("attach pid=%d: profile %q not found, all concealment off", ev.PID, snap.Profile)
	}
	snap.Options = opts

	if err := e.ApplyLocalStealth(opts); err != nil {
		e.report("attach pid=%d: apply local stealth: %v", ev.PID, err)
	}

	procName, err := e.names(ev.PID)
	if err != nil {
		e.logger.Debug("process name unavailable", zap.Uint32("pid", ev.PID), zap.Error(err))
	}

	s := newSession(ev.PID, procName, snap)
	e.mu.Lock()
	e.sessions[ev.PID] = s
	e.mu.Unlock()
	e.stats.attaches.Add(1)

	e.logger.Info("session attached",
		zap.String("session", s.ID.String()),
		zap.Uint32("pid", ev.PID),
		zap.String("process", procName),
		zap.String("profile", snap.Profile),
		zap.Bool("dbg_print_exception", opts.DbgPrintException),
		zap.Bool("kill_anti_attach", opts.KillAntiAttach),
		zap.Bool("pass_exceptions", opts.PassExceptions),
	)
	return nil
}

func (e *Engine) onProcessStart(ev ProcessStart) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[ev.PID]
	if !ok {
		e.logger.Debug("process start without session", zap.Uint32("pid", ev.PID))
		return nil
	}
	switch s.State {
	case Attached, Started:
		s.State = Started
		s.Base = ev.Base
	default:
		return fmt.Errorf("unexpected process start in state %s", s.State)
	}
	e.logger.Debug("process started",
		zap.Uint32("pid", ev.PID),
		zap.String("base", fmt.Sprintf("%#x", ev.Base)),
	)
	return nil
}

func (e *Engine) onProcessExit(ev ProcessExit) error {
	e.mu.Lock()
	s, ok := e.sessions[ev.PID]
	delete(e.sessions, ev.PID)
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("process exit without session", zap.Uint32("pid", ev.PID))
		return nil
	}
	s.State = Exited
	e.logger.Info("session closed",
		zap.String("session", s.ID.String()),
		zap.Uint32("pid", ev.PID),
		zap.Uint64("exceptions", s.Exceptions),
		zap.Uint64("suppressed", s.Suppressed),
	)
	return nil
}

func (e *Engine) onBreakpoint(ev Breakpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[ev.PID]
	if !ok {
		e.logger.Debug("breakpoint without session", zap.Uint32("pid", ev.PID))
		return nil
	}
	if s.State != Started {
		return fmt.Errorf("unexpected breakpoint in state %s", s.State)
	}
	s.Breakpoints++
	e.stats.breakpoints.Add(1)
	return nil
}

func (e *Engine) onException(ev Exception) error {
	e.mu.Lock()
	s, ok := e.sessions[ev.PID]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("exception without session", zap.Uint32("pid", ev.PID))
		return nil
	}
	if s.State != Started {
		e.mu.Unlock()
		return fmt.Errorf("unexpected exception in state %s", s.State)
	}
	s.Exceptions++
	pass := s.Snapshot.Options.PassExceptions
	e.mu.Unlock()
	e.stats.exceptions.Add(1)

	if !pass {
		return nil
	}

	// the catalogue can be edited while debugging, so read it per event
	cfg, err := e.config.Snapshot()
	if err != nil {
		return fmt.Errorf("load known exceptions: %w", err)
	}
	d := policy.Evaluate(ev.Code, cfg.KnownExceptions())

	old := e.host.Options()
	e.host.SetOptions(policy.ApplyDialogOption(old, d.Suppress))

	e.mu.Lock()
	if s, ok := e.sessions[ev.PID]; ok {
		s.LastDecision = &d
		if d.Suppress {
			s.Suppressed++
		}
	}
	e.mu.Unlock()
	if d.Suppress {
		e.stats.suppressed.Add(1)
	}

	e.logger.Debug("exception policy applied",
		zap.Uint32("pid", ev.PID),
		zap.String("code", fmt.Sprintf("0x%08X", ev.Code)),
		zap.Bool("suppress", d.Suppress),
	)
	return nil
}

// ApplyLocalStealth installs or removes the controller hooks for profile.
// Both toggles are applied even when the first fails.
func (e *Engine) ApplyLocalStealth(profile config.Profile) error {
	e.stealthMu.Lock()
	defer e.stealthMu.Unlock()

	repl := e.replacements()
	return errors.Join(
		e.toggle(profile.DbgPrintException, DebugWaitModule, DebugWaitSymbol, repl.DebugWait),
		e.toggle(profile.KillAntiAttach, AttachEntryModule, AttachEntrySymbol, repl.AttachEntry),
	)
}

func (e *Engine) toggle(on bool, module, symbol string, replacement uintptr) error {
	if !on {
		if replacement == 0 {
			return nil
		}
		return e.hooks.Remove(replacement)
	}
	if replacement == 0 {
		return fmt.Errorf("%s!%s: %w", module, symbol, errNoReplacement)
	}
	_, err := e.hooks.Install(module, symbol, replacement)
	return err
}

// Reload re-applies local stealth for the current profile of cfg. Running
// sessions keep their attach-time snapshot.
func (e *Engine) Reload(cfg *config.Config) {
	if err := e.ApplyLocalStealth(cfg.ActiveProfile()); err != nil {
		e.report("reload profile %q: %v", cfg.CurrentProfile(), err)
		return
	}
	e.logger.Info("local stealth reapplied", zap.String("profile", cfg.CurrentProfile()))
}

// OnAttachEntry runs inside the attach-entry hook, before the real attach
// call: it restores the protected module in pid. Errors are reported and
// the attach proceeds regardless.
func (e *Engine) OnAttachEntry(pid uint32) {
	cfg, err := e.config.Snapshot()
	if err != nil {
		e.report("kill anti-attach pid=%d: load configuration: %v", pid, err)
		return
	}
	if err := e.patcher.RestoreCleanModule(pid, cfg.ProtectedModule); err != nil {
		e.stats.restoreFailures.Add(1)
		e.report("kill anti-attach pid=%d: %v", pid, err)
		return
	}
	e.stats.restores.Add(1)
}

// Sessions returns copies of the live sessions ordered by pid.
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Session returns a copy of the session for pid.
func (e *Engine) Session(pid uint32) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[pid]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Attaches:        e.stats.attaches.Load(),
		Exceptions:      e.stats.exceptions.Load(),
		Suppressed:      e.stats.suppressed.Load(),
		Breakpoints:     e.stats.breakpoints.Load(),
		Restores:        e.stats.restores.Load(),
		RestoreFailures: e.stats.restoreFailures.Load(),
		DebugPrints:     e.stats.debugPrints.Load(),
		Diagnostics:     e.stats.diagnostics.Load(),
	}
}
