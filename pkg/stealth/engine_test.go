// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stealth

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeema/veil/pkg/config"
	"github.com/mbeema/veil/pkg/policy"
)

const (
	debugWaitRepl   = 0x10001000
	attachEntryRepl = 0x10002000
)

type installCall struct {
	module, symbol string
	replacement    uintptr
}

type fakeHooks struct {
	installs []installCall
	removes  []uintptr
	err      error
	panicMsg string
}

func (h *fakeHooks) Install(module, symbol string, replacement uintptr) (uintptr, error) {
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	h.installs = append(h.installs, installCall{module, symbol, replacement})
	return replacement + 0x100, h.err
}

func (h *fakeHooks) Remove(replacement uintptr) error {
	h.removes = append(h.removes, replacement)
	return nil
}

type fakePatcher struct {
	calls []string
	err   error
}

func (p *fakePatcher) RestoreCleanModule(pid uint32, module string) error {
	p.calls = append(p.calls, module)
	return p.err
}

type configSource struct {
	mu  sync.Mutex
	cfg *config.Config
	err error
}

func (c *configSource) Snapshot() (*config.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.err
}

func (c *configSource) set(cfg *config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

type hostOptions struct{ opts policy.Options }

func (h *hostOptions) Options() policy.Options     { return h.opts }
func (h *hostOptions) SetOptions(o policy.Options) { h.opts = o }

type reports struct{ msgs []string }

func (r *reports) Report(msg string) { r.msgs = append(r.msgs, msg) }

type fixture struct {
	hooks   *fakeHooks
	patcher *fakePatcher
	config  *configSource
	host    *hostOptions
	reports *reports
	engine  *Engine
}

func testConfig(p config.Profile, known ...config.KnownException) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Profiles = map[string]config.Profile{config.DefaultProfile: p}
	cfg.Exceptions = known
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		hooks:   &fakeHooks{},
		patcher: &fakePatcher{},
		config:  &configSource{cfg: cfg},
		host:    &hostOptions{opts: policy.ExcDlgAlways},
		reports: &reports{},
	}
	f.engine = NewEngine(f.hooks, f.patcher, f.config, f.host, zap.NewNop(),
		WithReporter(f.reports),
		WithReplacements(Replacements{DebugWait: debugWaitRepl, AttachEntry: attachEntryRepl}),
		WithProcessNames(func(pid uint32) (string, error) { return "target.exe", nil }),
	)
	return f
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{PassExceptions: true}))
	e := f.engine

	e.Dispatch(Attach{PID: 100, Profile: "default"})
	s, ok := e.Session(100)
	require.True(t, ok)
	assert.Equal(t, Attached, s.State)
	assert.Equal(t, "target.exe", s.Name)
	assert.Equal(t, "default", s.Snapshot.Profile)

	e.Dispatch(ProcessStart{PID: 100, Base: 0x400000})
	s, _ = e.Session(100)
	assert.Equal(t, Started, s.State)
	assert.Equal(t, uintptr(0x400000), s.Base)

	e.Dispatch(Exception{PID: 100, Code: 0xE06D7363, FirstChance: true})
	s, _ = e.Session(100)
	require.NotNil(t, s.LastDecision)
	assert.True(t, s.LastDecision.Suppress, "uncatalogued exception must be suppressed")
	assert.Equal(t, policy.ExcDlgNever, f.host.opts.Dialog())
	assert.Equal(t, uint64(1), s.Suppressed)

	e.Dispatch(ProcessExit{PID: 100})
	_, ok = e.Session(100)
	assert.False(t, ok, "session discarded on exit")

	// later exception for the same pid is a no-op
	f.host.opts = policy.ExcDlgAlways
	e.Dispatch(Exception{PID: 100, Code: 0xE06D7363})
	assert.Equal(t, policy.ExcDlgAlways, f.host.opts)
	assert.Equal(t, uint64(1), e.Stats().Exceptions)
	assert.Empty(t, f.reports.msgs)
}

func TestKnownExceptionSurfaces(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{PassExceptions: true},
		config.KnownException{Code: 0xC0000005, Description: "access violation"}))

	f.engine.Dispatch(Attach{PID: 7})
	f.engine.Dispatch(ProcessStart{PID: 7, Base: 0x400000})
	f.engine.Dispatch(Exception{PID: 7, Code: 0xC0000005})

	assert.Equal(t, policy.ExcDlgUnknown, f.host.opts.Dialog())
	s, _ := f.engine.Session(7)
	assert.False(t, s.LastDecision.Suppress)
	assert.Zero(t, s.Suppressed)
}

func TestPassExceptionsOffLeavesHostAlone(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{}))

	f.engine.Dispatch(Attach{PID: 7})
	f.engine.Dispatch(ProcessStart{PID: 7, Base: 0x400000})
	f.engine.Dispatch(Exception{PID: 7, Code: 0xE06D7363})

	assert.Equal(t, policy.ExcDlgAlways, f.host.opts)
	s, _ := f.engine.Session(7)
	assert.Nil(t, s.LastDecision)
	assert.Equal(t, uint64(1), s.Exceptions)
}

func TestExceptionUsesAttachSnapshotAndFreshCatalogue(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{PassExceptions: true}))
	f.engine.Dispatch(Attach{PID: 9})
	f.engine.Dispatch(ProcessStart{PID: 9, Base: 0x400000})

	// operator turns passing off and catalogues the code mid-session
	f.config.set(testConfig(config.Profile{}, config.KnownException{Code: 0xE06D7363}))
	f.engine.Dispatch(Exception{PID: 9, Code: 0xE06D7363})

	s, _ := f.engine.Session(9)
	require.NotNil(t, s.LastDecision, "pass toggle comes from the attach snapshot")
	assert.False(t, s.LastDecision.Suppress, "catalogue is read per event")
	assert.Equal(t, policy.ExcDlgUnknown, f.host.opts.Dialog())
}

func TestAttachAppliesLocalStealth(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{DbgPrintException: true, KillAntiAttach: true}))

	f.engine.Dispatch(Attach{PID: 200})

	assert.Equal(t, []installCall{
		{DebugWaitModule, DebugWaitSymbol, debugWaitRepl},
		{AttachEntryModule, AttachEntrySymbol, attachEntryRepl},
	}, f.hooks.installs)
	assert.Empty(t, f.hooks.removes)
}

func TestAttachRemovesDisabledHooks(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{KillAntiAttach: true}))

	f.engine.Dispatch(Attach{PID: 200})

	assert.Equal(t, []uintptr{debugWaitRepl}, f.hooks.removes)
	require.Len(t, f.hooks.installs, 1)
	assert.Equal(t, AttachEntrySymbol, f.hooks.installs[0].symbol)
}

func TestDuplicateAttach(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{}))

	f.engine.Dispatch(Attach{PID: 5})
	first, _ := f.engine.Session(5)
	f.engine.Dispatch(Attach{PID: 5})

	second, _ := f.engine.Session(5)
	assert.Equal(t, first.ID, second.ID)
	require.Len(t, f.reports.msgs, 1)
	assert.Contains(t, f.reports.msgs[0], "already attached")
	assert.Len(t, f.engine.Sessions(), 1)
}

func TestAttachUnknownProfile(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{KillAntiAttach: true}))

	f.engine.Dispatch(Attach{PID: 5, Profile: "ghost"})

	s, ok := f.engine.Session(5)
	require.True(t, ok, "session is still created")
	assert.Equal(t, config.Profile{}, s.Snapshot.Options)
	assert.Empty(t, f.hooks.installs)
	require.NotEmpty(t, f.reports.msgs)
	assert.Contains(t, f.reports.msgs[0], `"ghost"`)
}

func TestAttachHookFailureIsReported(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{DbgPrintException: true}))
	f.hooks.err = errors.New("protect failed")

	f.engine.Dispatch(Attach{PID: 5})

	_, ok := f.engine.Session(5)
	assert.True(t, ok)
	require.Len(t, f.reports.msgs, 1)
	assert.Contains(t, f.reports.msgs[0], "protect failed")
	assert.Equal(t, uint64(1), f.engine.Stats().Diagnostics)
}

func TestMissingReplacement(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{DbgPrintException: true}))
	f.engine.SetReplacements(Replacements{})

	err := f.engine.ApplyLocalStealth(config.Profile{DbgPrintException: true})
	assert.ErrorIs(t, err, errNoReplacement)
	assert.Empty(t, f.hooks.installs)
	assert.Empty(t, f.hooks.removes, "nothing to remove without a replacement")
}

func TestEventsWithoutSessionAreIgnored(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{PassExceptions: true}))

	f.engine.Dispatch(ProcessStart{PID: 1, Base: 0x400000})
	f.engine.Dispatch(Breakpoint{PID: 1, TID: 2, Address: 0x401000})
	f.engine.Dispatch(Exception{PID: 1, Code: 0xC0000005})
	f.engine.Dispatch(ProcessExit{PID: 1})

	assert.Empty(t, f.reports.msgs)
	assert.Empty(t, f.engine.Sessions())
	assert.Equal(t, policy.ExcDlgAlways, f.host.opts)
}

func TestBreakpointCounts(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{}))
	f.engine.Dispatch(Attach{PID: 3})
	f.engine.Dispatch(ProcessStart{PID: 3, Base: 0x400000})
	f.engine.Dispatch(Breakpoint{PID: 3, TID: 4, Address: 0x401000})
	f.engine.Dispatch(Breakpoint{PID: 3, TID: 4, Address: 0x401005})

	s, _ := f.engine.Session(3)
	assert.Equal(t, uint64(2), s.Breakpoints)
	assert.Equal(t, Started, s.State, "breakpoints do not change state")
}

func TestDispatchRecoversPanics(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{DbgPrintException: true}))
	f.hooks.panicMsg = "boom"

	assert.NotPanics(t, func() { f.engine.Dispatch(Attach{PID: 5}) })
	require.Len(t, f.reports.msgs, 1)
	assert.True(t, strings.HasPrefix(f.reports.msgs[0], "panic while handling attach pid=5"), f.reports.msgs[0])
}

func TestConfigUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.config.err = errors.New("parse config: bad yaml")

	f.engine.Dispatch(Attach{PID: 5})

	_, ok := f.engine.Session(5)
	assert.False(t, ok)
	require.Len(t, f.reports.msgs, 1)
	assert.Contains(t, f.reports.msgs[0], "bad yaml")
}

func TestReload(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{DbgPrintException: true, KillAntiAttach: true}))
	f.engine.Dispatch(Attach{PID: 5})

	f.engine.Reload(testConfig(config.Profile{}))

	assert.ElementsMatch(t, []uintptr{debugWaitRepl, attachEntryRepl}, f.hooks.removes)
	s, _ := f.engine.Session(5)
	assert.True(t, s.Snapshot.Options.KillAntiAttach, "running session keeps its snapshot")
}

func TestStartAppliesCurrentProfile(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{DbgPrintException: true}))
	f.engine.Start()
	require.Len(t, f.hooks.installs, 1)
	assert.Equal(t, DebugWaitSymbol, f.hooks.installs[0].symbol)
}

func TestPrepareAppliesSelectedProfile(t *testing.T) {
	cfg := testConfig(config.Profile{})
	cfg.Profiles["full"] = config.Profile{KillAntiAttach: true}
	f := newFixture(t, cfg)

	f.engine.Prepare("full")

	// the attach entry is hooked before the host's attach call, not at the
	// Attach event that follows it
	require.Len(t, f.hooks.installs, 1)
	assert.Equal(t, installCall{AttachEntryModule, AttachEntrySymbol, attachEntryRepl}, f.hooks.installs[0])
	assert.Equal(t, []uintptr{debugWaitRepl}, f.hooks.removes)
	assert.Empty(t, f.reports.msgs)

	f.engine.Dispatch(Attach{PID: 200, Profile: "full"})
	s, _ := f.engine.Session(200)
	assert.Equal(t, "full", s.Snapshot.Profile)
	assert.True(t, s.Snapshot.Options.KillAntiAttach)
}

func TestPrepareDefaultsToCurrentProfile(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{KillAntiAttach: true}))

	f.engine.Prepare("")
	require.Len(t, f.hooks.installs, 1)
	assert.Equal(t, AttachEntrySymbol, f.hooks.installs[0].symbol)
}

func TestPrepareUnknownProfile(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{KillAntiAttach: true}))

	f.engine.Prepare("ghost")

	assert.Empty(t, f.hooks.installs)
	require.Len(t, f.reports.msgs, 1)
	assert.Contains(t, f.reports.msgs[0], `"ghost"`)
}

func TestExceptionBeforeProcessStart(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{PassExceptions: true}))
	f.engine.Dispatch(Attach{PID: 7})

	f.engine.Dispatch(Exception{PID: 7, Code: 0xE06D7363})
	f.engine.Dispatch(Breakpoint{PID: 7, Address: 0x401000})

	s, _ := f.engine.Session(7)
	assert.Nil(t, s.LastDecision)
	assert.Zero(t, s.Exceptions)
	assert.Zero(t, s.Breakpoints)
	assert.Equal(t, policy.ExcDlgAlways, f.host.opts, "host option untouched")
	require.Len(t, f.reports.msgs, 2)
	assert.Contains(t, f.reports.msgs[0], "unexpected exception in state attached")
	assert.Contains(t, f.reports.msgs[1], "unexpected breakpoint in state attached")
}

func TestOnAttachEntry(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{KillAntiAttach: true}))

	f.engine.OnAttachEntry(200)
	assert.Equal(t, []string{"ntdll.dll"}, f.patcher.calls)
	assert.Equal(t, uint64(1), f.engine.Stats().Restores)

	f.patcher.err = errors.New("open process 200: access denied")
	f.engine.OnAttachEntry(200)
	assert.Equal(t, uint64(1), f.engine.Stats().RestoreFailures)
	require.Len(t, f.reports.msgs, 1)
	assert.Contains(t, f.reports.msgs[0], "access denied")
}

func TestHideDebugPrint(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{}))

	var ev DebugEvent
	hidden := f.engine.HideDebugPrint(WaitStateChange{
		NewState:      DbgExceptionStateChange,
		ProcessID:     100,
		ThreadID:      104,
		ExceptionCode: DbgPrintExceptionC,
	}, &ev)
	assert.True(t, hidden)
	assert.Equal(t, DebugEvent{Code: DbgReplyPending, ProcessID: 100, ThreadID: 104}, ev)
	assert.Equal(t, uint64(1), f.engine.Stats().DebugPrints)

	ev = DebugEvent{}
	assert.False(t, f.engine.HideDebugPrint(WaitStateChange{
		NewState:      DbgExceptionStateChange,
		ExceptionCode: 0xC0000005,
	}, &ev))
	assert.False(t, f.engine.HideDebugPrint(WaitStateChange{
		NewState:      3,
		ExceptionCode: DbgPrintExceptionC,
	}, &ev), "only exception state changes carry an exception code")
	assert.Equal(t, DebugEvent{}, ev)
}

func TestSessionsSortedCopies(t *testing.T) {
	f := newFixture(t, testConfig(config.Profile{PassExceptions: true}))
	f.engine.Dispatch(Attach{PID: 30})
	f.engine.Dispatch(Attach{PID: 10})
	f.engine.Dispatch(ProcessStart{PID: 10, Base: 0x400000})
	f.engine.Dispatch(Exception{PID: 10, Code: 1})

	sessions := f.engine.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, uint32(10), sessions[0].PID)
	assert.Equal(t, uint32(30), sessions[1].PID)

	sessions[0].LastDecision.Suppress = false
	s, _ := f.engine.Session(10)
	assert.True(t, s.LastDecision.Suppress, "Sessions returns copies")
}
