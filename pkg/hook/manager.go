// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook installs inline function hooks in the controller process.
// A hook overwrites the first bytes of an exported function with a jump to
// a replacement and keeps a trampoline through which the replacement can
// still call the original.
package hook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/mbeema/veil/pkg/fault"
	"github.com/mbeema/veil/pkg/memory"
)

// trampolineSize holds the longest relocated prologue plus an absolute jump.
const trampolineSize = 64

var errReplacementInUse = errors.New("replacement already redirects another function")

// Info is a read-only view of one installed hook.
type Info struct {
	Module      string
	Symbol      string
	Entry       uintptr
	Replacement uintptr
	Original    uintptr
	PatchSize   int
	InstalledAt time.Time
}

type key struct {
	module string
	symbol string
}

// record is the registry's private HookRecord. saved holds the bytes the
// redirect overwrote; trampoline runs the relocated prologue and jumps back
// past it, so it is what callers chain to.
type record struct {
	module      string
	symbol      string
	replacement uintptr
	entry       uintptr
	trampoline  uintptr
	saved       []byte
	installed   bool
	installedAt time.Time
}

func (r *record) info() Info {
	return Info{
		Module:      r.module,
		Symbol:      r.symbol,
		Entry:       r.entry,
		Replacement: r.replacement,
		Original:    r.trampoline,
		PatchSize:   len(r.saved),
		InstalledAt: r.installedAt,
	}
}

// Manager installs and removes inline hooks in the controller's own address
// space. It owns every HookRecord; callers only see original entry points.
// All methods are safe for concurrent use.
type Manager struct {
	space    memory.LocalSpace
	resolver Resolver
	logger   *zap.Logger
	mode     int

	mu      sync.Mutex
	records map[key]*record
}

// Option configures a Manager.
type Option func(*Manager)

// WithMode forces the x86 decoding mode (32 or 64). The default matches the
// controller's pointer size.
func WithMode(bits int) Option {
	return func(m *Manager) { m.mode = bits }
}

// NewManager creates a hook manager over space.
func NewManager(space memory.LocalSpace, resolver Resolver, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		space:    space,
		resolver: resolver,
		logger:   logger,
		mode:     int(unsafe.Sizeof(uintptr(0))) * 8,
		records:  make(map[key]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func makeKey(module, symbol string) key {
	return key{module: strings.ToLower(module), symbol: symbol}
}

// Install redirects module!symbol to replacement and returns the address to
// call to reach the original implementation. Installing the same replacement
// twice is a no-op; a different replacement replaces the existing hook.
func (m *Manager) Install(module, symbol string, replacement uintptr) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := makeKey(module, symbol)
	existing, ok := m.records[k]
	if ok && existing.installed && existing.replacement == replacement {
		return existing.trampoline, nil
	}
	// a rejected install leaves the existing hook in place
	for _, rec := range m.records {
		if rec.installed && rec.replacement == replacement {
			return 0, fault.Patch("install", 0, fmt.Errorf("%w: %s!%s", errReplacementInUse, rec.module, rec.symbol))
		}
	}
	if ok && existing.installed {
		if err := m.removeLocked(existing); err != nil {
			return 0, err
		}
	}

	addr, err := m.resolver.Symbol(module, symbol)
	if err != nil {
		return 0, &fault.ResolutionError{Module: module, Symbol: symbol, Err: err}
	}
	entry, err := m.followThunks(addr)
	if err != nil {
		return 0, err
	}
	if m.entryHookedLocked(entry) {
		return 0, fault.Patch("install", entry, errors.New("entry already redirected by another hook"))
	}

	rec, err := m.patch(entry, replacement)
	if err != nil {
		return 0, err
	}
	rec.module, rec.symbol = module, symbol
	m.records[k] = rec

	m.logger.Info("hook installed",
		zap.String("module", module),
		zap.String("symbol", symbol),
		zap.String("entry", fmt.Sprintf("%#x", entry)),
		zap.String("replacement", fmt.Sprintf("%#x", replacement)),
		zap.Int("patch_size", len(rec.saved)),
	)
	return rec.trampoline, nil
}

// followThunks walks import-thunk and rel32-stub jumps so the redirect lands
// on the real implementation rather than a stub shared with other exports.
func (m *Manager) followThunks(addr uintptr) (uintptr, error) {
	readPtr := func(slot uintptr) (uintptr, error) {
		size := m.mode / 8
		buf := make([]byte, size)
		if err := m.space.Read(slot, buf); err != nil {
			return 0, fault.Patch("read thunk slot", slot, err)
		}
		if size == 4 {
			return uintptr(binary.LittleEndian.Uint32(buf)), nil
		}
		return uintptr(binary.LittleEndian.Uint64(buf)), nil
	}

	for hop := 0; hop < maxThunkHops; hop++ {
		// our own redirect is not a thunk
		if m.entryHookedLocked(addr) {
			return addr, nil
		}
		code := make([]byte, maxInstLen)
		if err := m.space.Read(addr, code); err != nil {
			return 0, fault.Patch("read", addr, err)
		}
		next, ok, err := thunkTarget(code, addr, m.mode, readPtr)
		if err != nil {
			return 0, err
		}
		if !ok {
			return addr, nil
		}
		m.logger.Debug("following jump thunk",
			zap.String("from", fmt.Sprintf("%#x", addr)),
			zap.String("to", fmt.Sprintf("%#x", next)),
		)
		addr = next
	}
	return addr, nil
}

func (m *Manager) entryHookedLocked(addr uintptr) bool {
	for _, rec := range m.records {
		if rec.installed && rec.entry == addr {
			return true
		}
	}
	return false
}

// patch builds the trampoline and writes the redirect at entry.
func (m *Manager) patch(entry, replacement uintptr) (*record, error) {
	jump := encodeJump(m.mode, entry, replacement)

	window := make([]byte, len(jump)+maxInstLen)
	if err := m.space.Read(entry, window); err != nil {
		return nil, fault.Patch("read prologue", entry, err)
	}
	covered, err := coverPrologue(window, m.mode, len(jump))
	if err != nil {
		return nil, fault.Patch("decode prologue", entry, err)
	}

	tramp, err := m.space.Alloc(entry, trampolineSize)
	if err != nil {
		return nil, fault.Patch("alloc trampoline", entry, err)
	}
	body := append([]byte(nil), window[:covered]...)
	body = append(body, encodeJump(m.mode, tramp+uintptr(covered), entry+uintptr(covered))...)
	if err := m.space.Write(tramp, body); err != nil {
		m.space.Free(tramp)
		return nil, fault.Patch("write trampoline", tramp, err)
	}
	if _, err := m.space.Protect(tramp, trampolineSize, memory.ProtExecuteRead); err != nil {
		m.logger.Debug("trampoline left writable", zap.Error(err))
	}

	if err := m.write(entry, jump); err != nil {
		m.space.Free(tramp)
		return nil, err
	}

	return &record{
		replacement: replacement,
		entry:       entry,
		trampoline:  tramp,
		saved:       append([]byte(nil), window[:len(jump)]...),
		installed:   true,
		installedAt: time.Now(),
	}, nil
}

// write makes the range writable, stores data and restores the previous
// protection. A failure to restore protection is logged, not returned: the
// bytes are already in place.
func (m *Manager) write(addr uintptr, data []byte) error {
	size := uintptr(len(data))
	old, err := m.space.Protect(addr, size, memory.ProtExecuteReadWrite)
	if err != nil {
		return fault.Patch("protect", addr, err)
	}
	werr := m.space.Write(addr, data)
	if _, err := m.space.Protect(addr, size, old); err != nil {
		m.logger.Warn("failed to restore protection",
			zap.String("addr", fmt.Sprintf("%#x", addr)),
			zap.Stringer("protection", old),
			zap.Error(err),
		)
	}
	if werr != nil {
		return fault.Patch("write", addr, werr)
	}
	return nil
}

// Remove restores the function redirected to replacement. Unknown
// replacements are ignored so callers can remove unconditionally.
func (m *Manager) Remove(replacement uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.replacement == replacement {
			return m.removeLocked(rec)
		}
	}
	return nil
}

func (m *Manager) removeLocked(rec *record) error {
	k := makeKey(rec.module, rec.symbol)
	if !rec.installed {
		delete(m.records, k)
		return nil
	}
	if err := m.write(rec.entry, rec.saved); err != nil {
		return err
	}
	rec.installed = false
	if err := m.space.Free(rec.trampoline); err != nil {
		m.logger.Debug("trampoline free failed", zap.Error(err))
	}
	delete(m.records, k)

	m.logger.Info("hook removed",
		zap.String("module", rec.module),
		zap.String("symbol", rec.symbol),
	)
	return nil
}

// RemoveAll restores every installed hook. It keeps going after a failure
// and returns the joined errors.
func (m *Manager) RemoveAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, rec := range m.records {
		if err := m.removeLocked(rec); err != nil {
			errs = append(errs, fmt.Errorf("%s!%s: %w", rec.module, rec.symbol, err))
		}
	}
	return errors.Join(errs...)
}

// Original returns the chaining address for an installed replacement.
func (m *Manager) Original(replacement uintptr) (uintptr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.installed && rec.replacement == replacement {
			return rec.trampoline, true
		}
	}
	return 0, false
}

// Saved returns the original bytes of every installed redirect keyed by
// entry address. Callers copying code out of the controller use it to undo
// the controller's own hooks.
func (m *Manager) Saved() map[uintptr][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uintptr][]byte, len(m.records))
	for _, rec := range m.records {
		if rec.installed {
			out[rec.entry] = append([]byte(nil), rec.saved...)
		}
	}
	return out
}

// Hooks returns the installed hooks.
func (m *Manager) Hooks() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.records))
	for _, rec := range m.records {
		if rec.installed {
			out = append(out, rec.info())
		}
	}
	return out
}
