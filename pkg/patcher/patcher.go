// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package patcher transplants the code section of a system module from the
// controller into a target process, undoing any tampering the target did to
// its own copy.
//
// The target keeps running while its code section is rewritten. A thread
// executing inside the region can observe half-written code; no
// synchronization with the target is available, and the transplant is done
// before the debugger attaches, while the target is usually idle.
package patcher

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/mbeema/veil/pkg/fault"
	"github.com/mbeema/veil/pkg/memory"
	"github.com/mbeema/veil/pkg/module"
)

var (
	errNoProcess    = errors.New("process does not exist")
	errBaseMismatch = errors.New("module loaded at a different base in the target")
)

// Modules resolves controller modules and module bases in other processes.
// *module.Resolver satisfies it.
type Modules interface {
	Module(name string) (module.Module, error)
	RemoteBase(pid uint32, name string) (uintptr, error)
}

// Pristine reports the bytes the controller's own inline hooks overwrote,
// keyed by address. *hook.Manager satisfies it.
type Pristine interface {
	Saved() map[uintptr][]byte
}

// Patcher restores clean module code in target processes.
type Patcher struct {
	modules  Modules
	opener   memory.Opener
	source   memory.Space
	pristine Pristine
	exists   func(pid int32) (bool, error)
	logger   *zap.Logger
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithProcessCheck replaces the gopsutil existence check.
func WithProcessCheck(exists func(pid int32) (bool, error)) Option {
	return func(p *Patcher) { p.exists = exists }
}

// WithPristine undoes the controller's hooks in the copied code so they are
// never transplanted into a target.
func WithPristine(src Pristine) Option {
	return func(p *Patcher) { p.pristine = src }
}

// New creates a Patcher that copies from source (the controller's address
// space) into processes opened through opener.
func New(modules Modules, source memory.Space, opener memory.Opener, logger *zap.Logger, opts ...Option) *Patcher {
	p := &Patcher{
		modules: modules,
		opener:  opener,
		source:  source,
		exists:  process.PidExists,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RestoreCleanModule overwrites the code section of name in process pid with
// the controller's copy. The module must be mapped at the same base in both
// processes; system modules share their base across processes within a boot.
// Protection in the target is restored on every path once it was changed.
func (p *Patcher) RestoreCleanModule(pid uint32, name string) error {
	mod, err := p.modules.Module(name)
	if err != nil {
		return &fault.ResolutionError{Module: name, Err: err}
	}
	if mod.CodeSize == 0 {
		return &fault.ResolutionError{Module: name, Err: fmt.Errorf("%w: empty code section", module.ErrBadImage)}
	}

	ok, err := p.exists(int32(pid))
	if err != nil {
		return &fault.ProcessAccessError{PID: pid, Err: err}
	}
	if !ok {
		return &fault.ProcessAccessError{PID: pid, Err: errNoProcess}
	}

	proc, err := p.opener.Open(pid)
	if err != nil {
		return &fault.ProcessAccessError{PID: pid, Err: err}
	}
	defer proc.Close()

	remoteBase, err := p.modules.RemoteBase(pid, name)
	if err != nil {
		return &fault.ResolutionError{Module: name, Err: fmt.Errorf("pid %d: %w", pid, err)}
	}
	if remoteBase != mod.Base {
		return fault.Patch("compare base", remoteBase,
			fmt.Errorf("%w: controller %#x", errBaseMismatch, mod.Base))
	}

	code := make([]byte, mod.CodeSize)
	if err := p.source.Read(mod.CodeBase, code); err != nil {
		return fault.Patch("read controller code", mod.CodeBase, err)
	}
	if p.pristine != nil {
		if n := unhook(mod.CodeBase, code, p.pristine.Saved()); n > 0 {
			p.logger.Debug("removed controller hooks from copied code",
				zap.String("module", mod.Name),
				zap.Int("hooks", n),
			)
		}
	}

	if err := p.transplant(proc, mod.CodeBase, code); err != nil {
		return err
	}

	p.logger.Info("restored clean module in target",
		zap.Uint32("pid", pid),
		zap.String("module", mod.Name),
		zap.String("code_base", fmt.Sprintf("%#x", mod.CodeBase)),
		zap.Int("bytes", len(code)),
	)
	return nil
}

func (p *Patcher) transplant(proc memory.Process, addr uintptr, code []byte) (err error) {
	size := uintptr(len(code))
	old, err := proc.Protect(addr, size, memory.ProtExecuteReadWrite)
	if err != nil {
		return fault.Patch("protect target", addr, err)
	}
	defer func() {
		if _, rerr := proc.Protect(addr, size, old); rerr != nil {
			p.logger.Warn("failed to restore target protection",
				zap.Uint32("pid", proc.PID()),
				zap.Stringer("protection", old),
				zap.Error(rerr),
			)
			if err == nil {
				err = fault.Patch("restore target protection", addr, rerr)
			}
		}
	}()

	if err := proc.Write(addr, code); err != nil {
		return fault.Patch("write target", addr, err)
	}
	return nil
}

// unhook overlays the saved original bytes of every hook overlapping
// [base, base+len(code)) onto code and returns how many it touched.
func unhook(base uintptr, code []byte, saved map[uintptr][]byte) int {
	end := base + uintptr(len(code))
	n := 0
	for addr, orig := range saved {
		if addr >= end || addr+uintptr(len(orig)) <= base {
			continue
		}
		if addr < base {
			orig = orig[base-addr:]
			addr = base
		}
		copy(code[addr-base:], orig)
		n++
	}
	return n
}
