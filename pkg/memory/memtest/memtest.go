// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package memtest provides a simulated, page-protected address space for
// exercising hook and patch logic without touching real process memory.
package memtest

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/mbeema/veil/pkg/memory"
)

// PageSize is the protection granularity of a simulated Space.
const PageSize = 0x1000

type region struct {
	base uintptr
	data []byte
	prot []memory.Protection
}

func (r *region) end() uintptr { return r.base + uintptr(len(r.data)) }

// WriteRecord records one Write call.
type WriteRecord struct {
	Addr uintptr
	Data []byte
}

// Space is a sparse simulated address space. Pages are writable only while
// protected PAGE_READWRITE or PAGE_EXECUTE_READWRITE.
type Space struct {
	mu      sync.Mutex
	regions []*region
	writes  []WriteRecord
	protect int

	nextAlloc uintptr

	// FailProtect, when set, is returned by every Protect call.
	FailProtect error
	// FailWrite, when set, is returned by every Write call.
	FailWrite error
}

// allocBase is 0x7ff000000000 on 64-bit hosts and 0x70000000 on 32-bit ones.
const allocBase = 0x70000000 + (0x7ff000000000-0x70000000)*(bits.UintSize/64)

// New returns an empty Space whose allocations start at allocBase, far from
// typical image bases.
func New() *Space {
	return &Space{nextAlloc: allocBase}
}

// Map adds a region at base holding a copy of data, every page set to prot.
// base must be page aligned.
func (s *Space) Map(base uintptr, data []byte, prot memory.Protection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapLocked(base, append([]byte(nil), data...), prot)
}

func (s *Space) mapLocked(base uintptr, data []byte, prot memory.Protection) {
	if base%PageSize != 0 {
		panic(fmt.Sprintf("memtest: unaligned map base %#x", base))
	}
	pages := (len(data) + PageSize - 1) / PageSize
	padded := make([]byte, pages*PageSize)
	copy(padded, data)
	r := &region{base: base, data: padded, prot: make([]memory.Protection, pages)}
	for i := range r.prot {
		r.prot[i] = prot
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })
}

func (s *Space) find(addr, size uintptr) (*region, error) {
	for _, r := range s.regions {
		if addr >= r.base && addr+size <= r.end() {
			return r, nil
		}
	}
	return nil, fmt.Errorf("memtest: %#x+%#x not mapped", addr, size)
}

// Protect implements memory.Space.
func (s *Space) Protect(addr, size uintptr, prot memory.Protection) (memory.Protection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protect++
	if s.FailProtect != nil {
		return 0, s.FailProtect
	}
	if size == 0 {
		size = 1
	}
	r, err := s.find(addr, size)
	if err != nil {
		return 0, err
	}
	first := (addr - r.base) / PageSize
	last := (addr + size - 1 - r.base) / PageSize
	old := r.prot[first]
	for p := first; p <= last; p++ {
		r.prot[p] = prot
	}
	return old, nil
}

// Read implements memory.Space.
func (s *Space) Read(addr uintptr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.find(addr, uintptr(len(buf)))
	if err != nil {
		return err
	}
	off := addr - r.base
	for p := off / PageSize; p <= (off+uintptr(len(buf))-1)/PageSize && len(buf) > 0; p++ {
		if r.prot[p] == memory.ProtNoAccess {
			return fmt.Errorf("memtest: read of no-access page at %#x", r.base+p*PageSize)
		}
	}
	copy(buf, r.data[off:])
	return nil
}

// Write implements memory.Space.
func (s *Space) Write(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrite != nil {
		return s.FailWrite
	}
	r, err := s.find(addr, uintptr(len(data)))
	if err != nil {
		return err
	}
	off := addr - r.base
	for p := off / PageSize; p <= (off+uintptr(len(data))-1)/PageSize && len(data) > 0; p++ {
		if !writable(r.prot[p]) {
			return fmt.Errorf("memtest: write to %s page at %#x", r.prot[p], r.base+p*PageSize)
		}
	}
	copy(r.data[off:], data)
	s.writes = append(s.writes, WriteRecord{Addr: addr, Data: append([]byte(nil), data...)})
	return nil
}

func writable(p memory.Protection) bool {
	return p == memory.ProtReadWrite || p == memory.ProtExecuteReadWrite
}

// Alloc implements memory.Allocator. Blocks are handed out sequentially and
// ignore the near hint unless the Space was seeded with SetNextAlloc.
func (s *Space) Alloc(near, size uintptr) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.nextAlloc
	pages := (size + PageSize - 1) / PageSize
	s.nextAlloc += pages * PageSize
	s.mapLocked(base, make([]byte, pages*PageSize), memory.ProtExecuteReadWrite)
	return base, nil
}

// Free implements memory.Allocator.
func (s *Space) Free(addr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regions {
		if r.base == addr {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memtest: free of unknown block %#x", addr)
}

// SetNextAlloc moves the allocation cursor.
func (s *Space) SetNextAlloc(addr uintptr) {
	s.mu.Lock()
	s.nextAlloc = addr
	s.mu.Unlock()
}

// Bytes returns a copy of n bytes at addr, ignoring protection.
func (s *Space) Bytes(addr uintptr, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.find(addr, uintptr(n))
	if err != nil {
		panic(err)
	}
	out := make([]byte, n)
	copy(out, r.data[addr-r.base:])
	return out
}

// ProtectionAt returns the current protection of the page containing addr.
func (s *Space) ProtectionAt(addr uintptr) memory.Protection {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.find(addr, 1)
	if err != nil {
		panic(err)
	}
	return r.prot[(addr-r.base)/PageSize]
}

// Mapped reports whether addr lies in a mapped region.
func (s *Space) Mapped(addr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.find(addr, 1)
	return err == nil
}

// Writes returns every successful Write in order.
func (s *Space) Writes() []WriteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WriteRecord(nil), s.writes...)
}

// ProtectCalls returns the number of Protect calls, failed ones included.
func (s *Space) ProtectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protect
}

var _ memory.LocalSpace = (*Space)(nil)
