// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeJump(t *testing.T) {
	tests := []struct {
		name   string
		mode   int
		at, to uintptr
		want   []byte
	}{
		{"forward rel32", 64, 0x1000, 0x2000, []byte{0xE9, 0xFB, 0x0F, 0x00, 0x00}},
		{"backward rel32", 64, 0x2000, 0x1000, []byte{0xE9, 0xFB, 0xEF, 0xFF, 0xFF}},
		{"32-bit always rel32", 32, 0x401000, 0x10000000, encodeRel32Jump(0x401000, 0x10000000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encodeJump(tt.mode, tt.at, tt.to); !bytes.Equal(got, tt.want) {
				t.Errorf("encodeJump = % x, want % x", got, tt.want)
			}
		})
	}
}

// mov [rsp+8],rbx; mov [rsp+16],rsi; push rdi; sub rsp,0x20; xor eax,eax; ret
var prologue64 = []byte{
	0x48, 0x89, 0x5C, 0x24, 0x08,
	0x48, 0x89, 0x74, 0x24, 0x10,
	0x57,
	0x48, 0x83, 0xEC, 0x20,
	0x33, 0xC0,
	0xC3,
}

func TestCoverPrologue(t *testing.T) {
	tests := []struct {
		name    string
		mode    int
		code    []byte
		need    int
		want    int
		wantErr error
	}{
		{"hotpatch 32", 32, []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC, 0x90}, 5, 5, nil},
		{"exact fit", 64, prologue64, 5, 5, nil},
		{"spans instructions", 64, prologue64, 14, 15, nil},
		{"rip relative", 64, []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00, 0xC3}, 5, 0, errRelative},
		{"call rel32", 64, []byte{0xE8, 0x00, 0x10, 0x00, 0x00, 0xC3}, 5, 0, errRelative},
		{"ret too early", 64, []byte{0x33, 0xC0, 0xC3, 0xCC, 0xCC, 0xCC}, 5, 0, errTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coverPrologue(tt.code, tt.mode, tt.need)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("coverPrologue: %v", err)
			}
			if got != tt.want {
				t.Errorf("covered = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestThunkTarget(t *testing.T) {
	noRead := func(uintptr) (uintptr, error) {
		t.Fatal("unexpected pointer read")
		return 0, nil
	}

	// jmp rel32 +0x7fb from 0x800 lands on 0x1000
	target, ok, err := thunkTarget([]byte{0xE9, 0xFB, 0x07, 0x00, 0x00}, 0x800, 64, noRead)
	if err != nil || !ok || target != 0x1000 {
		t.Errorf("rel32 thunk = %#x %v %v, want 0x1000 true nil", target, ok, err)
	}

	// jmp qword ptr [rip+0x10] at 0x800 reads the slot at 0x816
	var slot uintptr
	read := func(addr uintptr) (uintptr, error) {
		slot = addr
		return 0x5000, nil
	}
	target, ok, err = thunkTarget([]byte{0xFF, 0x25, 0x10, 0x00, 0x00, 0x00}, 0x800, 64, read)
	if err != nil || !ok || target != 0x5000 {
		t.Errorf("import thunk = %#x %v %v, want 0x5000 true nil", target, ok, err)
	}
	if slot != 0x816 {
		t.Errorf("slot = %#x, want 0x816", slot)
	}

	if _, ok, _ := thunkTarget(prologue64, 0x1000, 64, noRead); ok {
		t.Error("ordinary prologue reported as thunk")
	}
}
