package peformat

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildMinimalPE64 constructs, byte by byte, the smallest PE32+ that
// debug/pe.NewFile will accept: DOS header + stub, PE signature, COFF
// header, a 64-bit optional header, and a single executable .text section
// containing a handful of real instructions. Mirrors the layout constants
// the PE builder uses (SPEC_FULL.md §4.5), built directly rather than via
// the builder so header-parser tests don't depend on it.
func buildMinimalPE64(t *testing.T) []byte {
	t.Helper()

	const (
		fileAlign    = 0x200
		sectionAlign = 0x1000
		imageBase    = 0x140000000
	)

	var buf bytes.Buffer

	dos := make([]byte, 0x40)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], 0x40)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	coff := make([]byte, 20)
	binary.LittleEndian.PutUint16(coff[0:], 0x8664) // IMAGE_FILE_MACHINE_AMD64
	binary.LittleEndian.PutUint16(coff[2:], 1)       // NumberOfSections
	binary.LittleEndian.PutUint16(coff[16:], 240)     // SizeOfOptionalHeader
	binary.LittleEndian.PutUint16(coff[18:], 0x0022)  // Characteristics: executable, large-address-aware
	buf.Write(coff)

	opt := make([]byte, 240)
	binary.LittleEndian.PutUint16(opt[0:], 0x20B) // PE32+ magic
	binary.LittleEndian.PutUint32(opt[4:], 0x200)  // SizeOfCode
	binary.LittleEndian.PutUint32(opt[16:], 0x1000) // AddressOfEntryPoint RVA
	binary.LittleEndian.PutUint32(opt[20:], 0x1000) // BaseOfCode
	binary.LittleEndian.PutUint64(opt[24:], imageBase)
	binary.LittleEndian.PutUint32(opt[32:], sectionAlign)
	binary.LittleEndian.PutUint32(opt[36:], fileAlign)
	binary.LittleEndian.PutUint32(opt[56:], 0x2000) // SizeOfImage
	binary.LittleEndian.PutUint32(opt[60:], 0x200)  // SizeOfHeaders
	binary.LittleEndian.PutUint16(opt[68:], 3)      // Subsystem: CUI
	binary.LittleEndian.PutUint32(opt[108:], 16)    // NumberOfRvaAndSizes
	buf.Write(opt)

	sh := make([]byte, 40)
	copy(sh[0:8], ".text")
	binary.LittleEndian.PutUint32(sh[8:], 0x10)    // VirtualSize
	binary.LittleEndian.PutUint32(sh[12:], 0x1000) // VirtualAddress
	binary.LittleEndian.PutUint32(sh[16:], 0x200)  // SizeOfRawData
	binary.LittleEndian.PutUint32(sh[20:], 0x200)  // PointerToRawData
	binary.LittleEndian.PutUint32(sh[36:], 0x60000020)
	buf.Write(sh)

	for buf.Len() < 0x200 {
		buf.WriteByte(0)
	}

	code := make([]byte, 0x200)
	copy(code, []byte{0x31, 0xC0, 0xC3}) // xor eax,eax; ret
	buf.Write(code)

	for buf.Len() < 0x400 {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}
