package memtest

import (
	"math/bits"
	"testing"

	"github.com/mbeema/veil/pkg/memory"
)

func TestWriteRequiresWritablePage(t *testing.T) {
	s := New()
	s.Map(0x10000, []byte{1, 2, 3, 4}, memory.ProtExecuteRead)

	if err := s.Write(0x10000, []byte{9}); err == nil {
		t.Fatal("write to PAGE_EXECUTE_READ page should fail")
	}

	old, err := s.Protect(0x10000, 4, memory.ProtExecuteReadWrite)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if old != memory.ProtExecuteRead {
		t.Errorf("old = %s, want PAGE_EXECUTE_READ", old)
	}
	if err := s.Write(0x10001, []byte{9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := s.Bytes(0x10000, 4); got[1] != 9 {
		t.Errorf("byte 1 = %d, want 9", got[1])
	}
}

func TestProtectSpansPages(t *testing.T) {
	s := New()
	s.Map(0x20000, make([]byte, 3*PageSize), memory.ProtReadOnly)

	if _, err := s.Protect(0x20ff0, 0x20, memory.ProtReadWrite); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if p := s.ProtectionAt(0x20000); p != memory.ProtReadWrite {
		t.Errorf("page 0 = %s, want PAGE_READWRITE", p)
	}
	if p := s.ProtectionAt(0x21000); p != memory.ProtReadWrite {
		t.Errorf("page 1 = %s, want PAGE_READWRITE", p)
	}
	if p := s.ProtectionAt(0x22000); p != memory.ProtReadOnly {
		t.Errorf("page 2 = %s, want PAGE_READONLY", p)
	}
}

func TestAllocFree(t *testing.T) {
	s := New()
	a, err := s.Alloc(0, 32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if !s.Mapped(a) {
		t.Fatal("allocated block not mapped")
	}
	if err := s.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if s.Mapped(a) {
		t.Error("freed block still mapped")
	}
}

func TestOpener(t *testing.T) {
	p := NewProcess(42)
	o := NewOpener(p)

	got, err := o.Open(42)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.PID() != 42 {
		t.Errorf("PID = %d, want 42", got.PID())
	}
	got.Close()
	if p.Closed() != 1 {
		t.Errorf("Closed = %d, want 1", p.Closed())
	}
	if _, err := o.Open(7); err == nil {
		t.Error("Open of unknown pid should fail")
	}
}

func TestAllocBaseFitsPointer(t *testing.T) {
	s := New()
	addr, err := s.Alloc(0, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	want := uint64(0x70000000)
	if bits.UintSize == 64 {
		want = 0x7ff000000000
	}
	if uint64(addr) != want {
		t.Errorf("first block = %#x, want %#x", addr, want)
	}
	next, err := s.Alloc(0, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if next != addr+PageSize {
		t.Errorf("second block = %#x, want %#x", next, addr+PageSize)
	}
}
