// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stealth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeema/veil/pkg/config"
	"github.com/mbeema/veil/pkg/hook"
	"github.com/mbeema/veil/pkg/memory"
	"github.com/mbeema/veil/pkg/memory/memtest"
	"github.com/mbeema/veil/pkg/policy"
)

// mov edi,edi; push ebp; mov ebp,esp; sub esp,0x10; xor eax,eax; leave; ret
var hotpatchPrologue = []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x10, 0x33, 0xC0, 0xC9, 0xC3}

func TestKillAntiAttachHookInstalledOnce(t *testing.T) {
	const (
		kernelBase = 0x76000000
		ntdllBase  = 0x77000000
		attachFn   = kernelBase + 0x1000
		convertFn  = ntdllBase + 0x1000
	)
	space := memtest.New()
	for _, base := range []uintptr{kernelBase, ntdllBase} {
		image := make([]byte, 0x2000)
		copy(image[0x1000:], hotpatchPrologue)
		space.Map(base, image, memory.ProtExecuteRead)
	}
	symbols := map[string]uintptr{
		AttachEntryModule + "!" + AttachEntrySymbol: attachFn,
		DebugWaitModule + "!" + DebugWaitSymbol:     convertFn,
	}
	mgr := hook.NewManager(space, hook.ResolverFunc(func(module, symbol string) (uintptr, error) {
		if addr, ok := symbols[module+"!"+symbol]; ok {
			return addr, nil
		}
		return 0, errors.New("not exported")
	}), zap.NewNop(), hook.WithMode(32))

	cfg := config.DefaultConfig()
	cfg.Profiles = map[string]config.Profile{config.DefaultProfile: {KillAntiAttach: true}}
	rep := &reports{}
	e := NewEngine(mgr, &fakePatcher{}, &configSource{cfg: cfg}, &hostOptions{opts: policy.ExcDlgAlways}, zap.NewNop(),
		WithReporter(rep),
		WithReplacements(Replacements{DebugWait: 0x10001000, AttachEntry: 0x10002000}),
		WithProcessNames(func(uint32) (string, error) { return "", nil }),
	)

	e.Dispatch(Attach{PID: 200})
	require.Empty(t, rep.msgs)
	hooks := mgr.Hooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, AttachEntrySymbol, hooks[0].Symbol)
	writes := len(space.Writes())

	e.Dispatch(Attach{PID: 201})
	assert.Empty(t, rep.msgs)
	assert.Len(t, mgr.Hooks(), 1, "no duplicate hook")
	assert.Len(t, space.Writes(), writes, "second attach patches nothing")
	assert.Len(t, e.Sessions(), 2)

	orig, ok := mgr.Original(0x10002000)
	require.True(t, ok)
	assert.Equal(t, hooks[0].Original, orig)

	// debug-wait hook stays untouched because it was never installed
	assert.Equal(t, hotpatchPrologue, space.Bytes(convertFn, len(hotpatchPrologue)))

	// profile change removes the hook and restores the entry
	e.Reload(func() *config.Config {
		c := config.DefaultConfig()
		c.Profiles = map[string]config.Profile{config.DefaultProfile: {}}
		return c
	}())
	assert.Empty(t, mgr.Hooks())
	assert.Equal(t, hotpatchPrologue, space.Bytes(attachFn, len(hotpatchPrologue)))
}
