// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package imagetest builds minimal mapped PE images for tests: headers, one
// code region and an export directory.
package imagetest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
)

// Export is one named export. A non-empty Forward makes it a forwarder
// ("OTHER.Symbol") instead of pointing at RVA.
type Export struct {
	Name    string
	RVA     uint32
	Forward string
}

// Image describes a mapped PE32+ image (PE32 when PE32 is set).
type Image struct {
	PE32     bool
	CodeRVA  uint32
	CodeSize uint32
	Code     []byte
	Exports  []Export
}

const (
	lfanew    = 0x80
	exportRVA = 0x200
	pageSize  = 0x1000
)

// Bytes renders the image as it would appear in memory at its base.
func (img Image) Bytes() []byte {
	exports := img.exportBlob()

	size := img.CodeRVA + img.CodeSize
	if end := uint32(exportRVA + len(exports)); end > size {
		size = end
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)
	out := make([]byte, size)

	binary.LittleEndian.PutUint16(out, 0x5A4D)
	binary.LittleEndian.PutUint32(out[0x3c:], lfanew)
	binary.LittleEndian.PutUint32(out[lfanew:], 0x00004550)

	var hdr bytes.Buffer
	fh := pe.FileHeader{Machine: pe.IMAGE_FILE_MACHINE_AMD64, Characteristics: pe.IMAGE_FILE_DLL}
	dd := pe.DataDirectory{VirtualAddress: exportRVA, Size: uint32(len(exports))}
	if img.PE32 {
		oh := pe.OptionalHeader32{
			Magic:               0x10b,
			SizeOfCode:          img.CodeSize,
			BaseOfCode:          img.CodeRVA,
			SectionAlignment:    pageSize,
			FileAlignment:       0x200,
			SizeOfImage:         size,
			SizeOfHeaders:       0x400,
			NumberOfRvaAndSizes: 16,
		}
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = dd
		fh.Machine = pe.IMAGE_FILE_MACHINE_I386
		fh.SizeOfOptionalHeader = uint16(binary.Size(oh))
		binary.Write(&hdr, binary.LittleEndian, fh)
		binary.Write(&hdr, binary.LittleEndian, oh)
	} else {
		oh := pe.OptionalHeader64{
			Magic:               0x20b,
			SizeOfCode:          img.CodeSize,
			BaseOfCode:          img.CodeRVA,
			SectionAlignment:    pageSize,
			FileAlignment:       0x200,
			SizeOfImage:         size,
			SizeOfHeaders:       0x400,
			NumberOfRvaAndSizes: 16,
		}
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = dd
		fh.SizeOfOptionalHeader = uint16(binary.Size(oh))
		binary.Write(&hdr, binary.LittleEndian, fh)
		binary.Write(&hdr, binary.LittleEndian, oh)
	}
	copy(out[lfanew+4:], hdr.Bytes())
	copy(out[exportRVA:], exports)
	copy(out[img.CodeRVA:], img.Code)
	return out
}

// exportBlob lays out IMAGE_EXPORT_DIRECTORY, the function, name and ordinal
// tables, then the name and forwarder strings.
func (img Image) exportBlob() []byte {
	n := uint32(len(img.Exports))
	funcs := uint32(exportRVA + 40)
	names := funcs + 4*n
	ords := names + 4*n
	strs := ords + 2*n

	var strings bytes.Buffer
	nameRVA := make([]uint32, n)
	fwdRVA := make([]uint32, n)
	for i, e := range img.Exports {
		nameRVA[i] = strs + uint32(strings.Len())
		strings.WriteString(e.Name)
		strings.WriteByte(0)
		if e.Forward != "" {
			fwdRVA[i] = strs + uint32(strings.Len())
			strings.WriteString(e.Forward)
			strings.WriteByte(0)
		}
	}

	var b bytes.Buffer
	dir := []uint32{0, 0, 0, 0, 1, n, n, funcs, names, ords}
	binary.Write(&b, binary.LittleEndian, dir[:2])
	binary.Write(&b, binary.LittleEndian, []uint16{0, 0})
	binary.Write(&b, binary.LittleEndian, dir[3:])
	for i, e := range img.Exports {
		rva := e.RVA
		if e.Forward != "" {
			rva = fwdRVA[i]
		}
		binary.Write(&b, binary.LittleEndian, rva)
	}
	binary.Write(&b, binary.LittleEndian, nameRVA)
	for i := range img.Exports {
		binary.Write(&b, binary.LittleEndian, uint16(i))
	}
	b.Write(strings.Bytes())
	return b.Bytes()
}
