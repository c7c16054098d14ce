// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	rel32JumpSize = 5
	absJumpSize   = 14 // jmp qword ptr [rip+0]; dq target

	// longest x86 instruction
	maxInstLen = 15
	// thunk hops followed before giving up
	maxThunkHops = 4
)

var (
	errRelative = errors.New("prologue contains a relative instruction")
	errTooShort = errors.New("function shorter than the redirect")
)

// fitsRel32 reports whether a rel32 jump at from can reach to.
func fitsRel32(from, to uintptr) bool {
	d := int64(to) - int64(from+rel32JumpSize)
	return d >= math.MinInt32 && d <= math.MaxInt32
}

func encodeRel32Jump(from, to uintptr) []byte {
	b := make([]byte, rel32JumpSize)
	b[0] = 0xE9
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(int64(to)-int64(from+rel32JumpSize))))
	return b
}

func encodeAbsJump(to uintptr) []byte {
	b := make([]byte, absJumpSize)
	b[0], b[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint64(b[6:], uint64(to))
	return b
}

// encodeJump picks the shortest redirect from at to target for the mode.
func encodeJump(mode int, at, target uintptr) []byte {
	if mode == 32 || fitsRel32(at, target) {
		return encodeRel32Jump(at, target)
	}
	return encodeAbsJump(target)
}

// coverPrologue decodes whole instructions from code until at least need
// bytes are covered and returns the covered length. Instructions that encode
// a PC-relative operand cannot be moved into a trampoline unchanged and are
// rejected, as is a return before need bytes.
func coverPrologue(code []byte, mode, need int) (int, error) {
	n := 0
	for n < need {
		if n >= len(code) {
			return 0, fmt.Errorf("decode at +%d: prologue window exhausted", n)
		}
		inst, err := x86asm.Decode(code[n:], mode)
		if err != nil {
			return 0, fmt.Errorf("decode at +%d: %w", n, err)
		}
		if inst.PCRel != 0 || hasRIPOperand(inst) {
			return 0, fmt.Errorf("%w: %s at +%d", errRelative, x86asm.IntelSyntax(inst, 0, nil), n)
		}
		switch inst.Op {
		case x86asm.RET, x86asm.LRET, x86asm.INT:
			if n+inst.Len < need {
				return 0, fmt.Errorf("%w: %s at +%d", errTooShort, inst.Op, n)
			}
		}
		n += inst.Len
	}
	return n, nil
}

func hasRIPOperand(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if m, ok := a.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// thunkTarget decodes the instruction at addr and, if it is an unconditional
// jump through an import thunk or a rel32 stub, returns where it lands.
// readPtr loads a pointer-sized value for memory-indirect jumps.
func thunkTarget(code []byte, addr uintptr, mode int, readPtr func(uintptr) (uintptr, error)) (uintptr, bool, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil || inst.Op != x86asm.JMP {
		return 0, false, nil
	}
	next := addr + uintptr(inst.Len)
	switch a := inst.Args[0].(type) {
	case x86asm.Rel:
		return uintptr(int64(next) + int64(a)), true, nil
	case x86asm.Mem:
		var slot uintptr
		switch {
		case a.Base == x86asm.RIP && a.Index == 0:
			slot = uintptr(int64(next) + a.Disp)
		case a.Base == 0 && a.Index == 0 && mode == 32:
			slot = uintptr(uint32(a.Disp))
		default:
			return 0, false, nil
		}
		target, err := readPtr(slot)
		if err != nil {
			return 0, false, err
		}
		return target, true, nil
	}
	return 0, false, nil
}
