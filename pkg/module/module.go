// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package module resolves loaded PE images: their base, code region and
// exported symbols, read straight from the mapped headers.
package module

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mbeema/veil/pkg/memory"
)

var (
	ErrModuleNotFound = errors.New("module not found")
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrBadImage       = errors.New("malformed image")
)

// maxForwardDepth bounds export forwarder chains (kernel32 -> kernelbase -> ...).
const maxForwardDepth = 4

// Module describes a PE image mapped in an address space.
type Module struct {
	Name      string
	Base      uintptr
	ImageSize uintptr
	Machine   uint16
	// CodeBase and CodeSize come from the optional header's BaseOfCode and
	// SizeOfCode, rebased onto Base.
	CodeBase uintptr
	CodeSize uintptr

	exports dataDirectory
}

// Loader locates module bases. The controller side is queried by name,
// remote processes by pid and name.
type Loader interface {
	Base(name string) (uintptr, error)
	RemoteBase(pid uint32, name string) (uintptr, error)
}

// Resolver parses image headers out of an address space and caches the
// result per module name.
type Resolver struct {
	space  memory.Space
	loader Loader

	mu    sync.Mutex
	cache map[string]*Module
}

// NewResolver creates a resolver that reads headers through space.
func NewResolver(space memory.Space, loader Loader) *Resolver {
	return &Resolver{
		space:  space,
		loader: loader,
		cache:  make(map[string]*Module),
	}
}

// System returns a resolver over the controller's own process.
func System() *Resolver {
	return NewResolver(memory.Local(), systemLoader{})
}

func cacheKey(name string) string {
	name = strings.ToLower(name)
	if !strings.Contains(name, ".") {
		name += ".dll"
	}
	return name
}

// Module returns the parsed headers of a module loaded in the controller.
// A cached entry is dropped when the loader reports a different base, which
// happens after an unload/reload cycle.
func (r *Resolver) Module(name string) (Module, error) {
	base, err := r.loader.Base(name)
	if err != nil {
		return Module{}, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, name, err)
	}

	key := cacheKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.cache[key]; ok && m.Base == base {
		return *m, nil
	}

	m, err := parseImage(r.space, base)
	if err != nil {
		return Module{}, fmt.Errorf("parse %s at %#x: %w", name, base, err)
	}
	m.Name = key
	r.cache[key] = m
	return *m, nil
}

// Symbol resolves an exported symbol of a module loaded in the controller,
// following export forwarders.
func (r *Resolver) Symbol(moduleName, symbol string) (uintptr, error) {
	return r.symbol(moduleName, symbol, 0)
}

func (r *Resolver) symbol(moduleName, symbol string, depth int) (uintptr, error) {
	if depth > maxForwardDepth {
		return 0, fmt.Errorf("%w: %s!%s: forwarder chain too deep", ErrSymbolNotFound, moduleName, symbol)
	}
	m, err := r.Module(moduleName)
	if err != nil {
		return 0, err
	}
	rva, forward, err := findExport(r.space, &m, symbol)
	if err != nil {
		return 0, fmt.Errorf("%s!%s: %w", moduleName, symbol, err)
	}
	if forward == "" {
		return m.Base + uintptr(rva), nil
	}

	dot := strings.LastIndexByte(forward, '.')
	if dot <= 0 || dot == len(forward)-1 || forward[dot+1] == '#' {
		return 0, fmt.Errorf("%w: %s!%s: unsupported forwarder %q", ErrSymbolNotFound, moduleName, symbol, forward)
	}
	return r.symbol(forward[:dot], forward[dot+1:], depth+1)
}

// RemoteBase returns the base of a module inside another process.
func (r *Resolver) RemoteBase(pid uint32, name string) (uintptr, error) {
	base, err := r.loader.RemoteBase(pid, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s in pid %d: %v", ErrModuleNotFound, name, pid, err)
	}
	return base, nil
}

// Forget drops every cached module.
func (r *Resolver) Forget() {
	r.mu.Lock()
	r.cache = make(map[string]*Module)
	r.mu.Unlock()
}
