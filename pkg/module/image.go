// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package module

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/mbeema/veil/pkg/memory"
)

const (
	dosSignature = 0x5A4D     // MZ
	ntSignature  = 0x00004550 // PE\0\0

	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	exportDirectorySize = 40
)

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// exportDirectory mirrors IMAGE_EXPORT_DIRECTORY.
type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

func readAt(space memory.Space, addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := space.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// parseImage reads the DOS, NT and optional headers of the image at base.
func parseImage(space memory.Space, base uintptr) (*Module, error) {
	dos, err := readAt(space, base, 0x40)
	if err != nil {
		return nil, fmt.Errorf("read dos header: %w", err)
	}
	if binary.LittleEndian.Uint16(dos) != dosSignature {
		return nil, fmt.Errorf("%w: bad dos signature", ErrBadImage)
	}
	lfanew := binary.LittleEndian.Uint32(dos[0x3c:])
	if lfanew == 0 || lfanew > 0x1000 {
		return nil, fmt.Errorf("%w: e_lfanew %#x", ErrBadImage, lfanew)
	}

	nt, err := readAt(space, base+uintptr(lfanew), 4+20+2)
	if err != nil {
		return nil, fmt.Errorf("read nt headers: %w", err)
	}
	if binary.LittleEndian.Uint32(nt) != ntSignature {
		return nil, fmt.Errorf("%w: bad nt signature", ErrBadImage)
	}
	var fh pe.FileHeader
	if err := binary.Read(bytes.NewReader(nt[4:24]), binary.LittleEndian, &fh); err != nil {
		return nil, fmt.Errorf("decode file header: %w", err)
	}

	optAddr := base + uintptr(lfanew) + 24
	m := &Module{Base: base, Machine: fh.Machine}
	switch magic := binary.LittleEndian.Uint16(nt[24:]); magic {
	case magicPE32:
		var oh pe.OptionalHeader32
		raw, err := readAt(space, optAddr, binary.Size(oh))
		if err != nil {
			return nil, fmt.Errorf("read optional header: %w", err)
		}
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &oh); err != nil {
			return nil, fmt.Errorf("decode optional header: %w", err)
		}
		m.ImageSize = uintptr(oh.SizeOfImage)
		m.CodeBase = base + uintptr(oh.BaseOfCode)
		m.CodeSize = uintptr(oh.SizeOfCode)
		m.exports = dataDirectory(oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT])
	case magicPE32Plus:
		var oh pe.OptionalHeader64
		raw, err := readAt(space, optAddr, binary.Size(oh))
		if err != nil {
			return nil, fmt.Errorf("read optional header: %w", err)
		}
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &oh); err != nil {
			return nil, fmt.Errorf("decode optional header: %w", err)
		}
		m.ImageSize = uintptr(oh.SizeOfImage)
		m.CodeBase = base + uintptr(oh.BaseOfCode)
		m.CodeSize = uintptr(oh.SizeOfCode)
		m.exports = dataDirectory(oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT])
	default:
		return nil, fmt.Errorf("%w: optional header magic %#x", ErrBadImage, magic)
	}

	if m.CodeSize == 0 {
		return nil, fmt.Errorf("%w: empty code region", ErrBadImage)
	}
	return m, nil
}

// findExport looks symbol up in the export directory. It returns either the
// function RVA or, for forwarded exports, the "DLL.Symbol" forwarder string.
// The name table and strings are expected inside the export directory range,
// which is how every Microsoft linker lays them out.
func findExport(space memory.Space, m *Module, symbol string) (rva uint32, forward string, err error) {
	dir := m.exports
	if dir.VirtualAddress == 0 || dir.Size < exportDirectorySize {
		return 0, "", fmt.Errorf("%w: no export directory", ErrSymbolNotFound)
	}
	blob, err := readAt(space, m.Base+uintptr(dir.VirtualAddress), int(dir.Size))
	if err != nil {
		return 0, "", fmt.Errorf("read export directory: %w", err)
	}

	var ed exportDirectory
	if err := binary.Read(bytes.NewReader(blob[:exportDirectorySize]), binary.LittleEndian, &ed); err != nil {
		return 0, "", fmt.Errorf("decode export directory: %w", err)
	}

	at := func(rva uint32, n uint32) ([]byte, bool) {
		if rva < dir.VirtualAddress {
			return nil, false
		}
		off := rva - dir.VirtualAddress
		if off+n > dir.Size || off+n < off {
			return nil, false
		}
		return blob[off : off+n], true
	}
	cstring := func(rva uint32) (string, bool) {
		if _, ok := at(rva, 1); !ok {
			return "", false
		}
		off := rva - dir.VirtualAddress
		end := bytes.IndexByte(blob[off:], 0)
		if end < 0 {
			return "", false
		}
		return string(blob[off : off+uint32(end)]), true
	}

	names, ok := at(ed.AddressOfNames, ed.NumberOfNames*4)
	if !ok {
		return 0, "", fmt.Errorf("%w: name table outside export directory", ErrBadImage)
	}
	ordinals, ok := at(ed.AddressOfNameOrdinals, ed.NumberOfNames*2)
	if !ok {
		return 0, "", fmt.Errorf("%w: ordinal table outside export directory", ErrBadImage)
	}

	for i := uint32(0); i < ed.NumberOfNames; i++ {
		name, ok := cstring(binary.LittleEndian.Uint32(names[i*4:]))
		if !ok || name != symbol {
			continue
		}
		ord := uint32(binary.LittleEndian.Uint16(ordinals[i*2:]))
		if ord >= ed.NumberOfFunctions {
			return 0, "", fmt.Errorf("%w: ordinal %d out of range", ErrBadImage, ord)
		}
		fn, ok := at(ed.AddressOfFunctions+ord*4, 4)
		if !ok {
			return 0, "", fmt.Errorf("%w: function table outside export directory", ErrBadImage)
		}
		rva := binary.LittleEndian.Uint32(fn)
		if rva >= dir.VirtualAddress && rva < dir.VirtualAddress+dir.Size {
			fwd, ok := cstring(rva)
			if !ok {
				return 0, "", fmt.Errorf("%w: unterminated forwarder", ErrBadImage)
			}
			return 0, fwd, nil
		}
		return rva, "", nil
	}
	return 0, "", ErrSymbolNotFound
}
