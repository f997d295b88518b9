// Package peformat parses Windows PE32/PE32+ images into the shared
// in-memory view consumed by the disassembler, relocator, and PE builder.
//
// It leans on the standard library's debug/pe for the IMAGE_* constants and
// fixed-layout structs rather than redeclaring the bit masks by hand, the
// way davejbax/pixie's internal/efipe package does.
package peformat

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/rebind/internal/rebinderr"
)

const (
	maxImageSize   = 100 * 1024 * 1024 // 100 MiB input cap
	dosSignature   = 0x5A4D            // "MZ"
	peSignatureLen = 4
	eLfanewOffset  = 0x3C
	maxEntryRVA    = 0x80000000
)

// Section is a single PE section in the shared, decoder-friendly shape.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	RawOffset       uint32
	RawSize         uint32
	Characteristics uint32
}

// IsExecutable reports whether the section is marked as containing code.
func (s Section) IsExecutable() bool {
	return s.Characteristics&uint32(pe.IMAGE_SCN_MEM_EXECUTE) != 0
}

// IsWritable reports whether the section is writable at runtime.
func (s Section) IsWritable() bool {
	return s.Characteristics&uint32(pe.IMAGE_SCN_MEM_WRITE) != 0
}

// IsInitializedData reports whether the section holds initialized data.
func (s Section) IsInitializedData() bool {
	return s.Characteristics&uint32(pe.IMAGE_SCN_CNT_INITIALIZED_DATA) != 0
}

// Import is a single imported function, grouped under its owning DLL.
type Import struct {
	DLL  string
	Name string
}

// Export is a single exported symbol. Parse leaves Image.Exports empty: the
// export directory is not parsed (see parseExports).
type Export struct {
	Name    string
	Ordinal uint16
	RVA     uint32
}

// RichRecord is one decoded entry of an (undocumented) Rich header.
type RichRecord struct {
	ProductID uint16
	BuildID   uint16
	UseCount  uint32
}

// Image is the parsed, read-only view of a PE file. Raw holds the original
// bytes; callers that need to extract referent bytes (the relocator) or
// patch a section in place (the reassembler) index into Raw directly.
type Image struct {
	Raw            []byte
	Is64Bit        bool
	ImageBase      uint64
	EntryPointRVA  uint32
	Sections       []Section
	Imports        []Import
	Exports        []Export
	RichRecords    []RichRecord
	SizeOfHeaders  uint32
	CheckSumOffset uint32 // file offset of the optional header's CheckSum field
}

// Parse validates and parses a raw PE byte buffer. Validation gates run in
// order and fail fast with a distinct InputError reason for each.
func Parse(raw []byte) (*Image, error) {
	if len(raw) > maxImageSize {
		return nil, &rebinderr.InputError{Reason: fmt.Sprintf("file too large (%d bytes > %d cap); strip symbols or use a release build", len(raw), maxImageSize)}
	}
	if len(raw) < 2 || binary.LittleEndian.Uint16(raw[0:2]) != dosSignature {
		return nil, &rebinderr.InputError{Reason: "missing MZ signature"}
	}
	if len(raw) < eLfanewOffset+4 {
		return nil, &rebinderr.InputError{Reason: "truncated DOS header"}
	}
	lfanew := binary.LittleEndian.Uint32(raw[eLfanewOffset:])
	if int(lfanew)+peSignatureLen+4 > len(raw) {
		return nil, &rebinderr.InputError{Reason: "e_lfanew points outside the file"}
	}
	sigOff := int(lfanew)
	if !bytes.Equal(raw[sigOff:sigOff+peSignatureLen], []byte{'P', 'E', 0, 0}) {
		return nil, &rebinderr.InputError{Reason: "missing PE signature"}
	}

	peFile, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, &rebinderr.InputError{Reason: fmt.Sprintf("debug/pe rejected file: %v", err)}
	}
	defer peFile.Close()

	img := &Image{Raw: raw}

	var entryRVA, imageBase uint32
	var imageBase64 uint64
	checksumOff := sigOff + 4 + 20 + 0x40 // COFF header is 20 bytes; CheckSum sits at OptionalHeader+0x40

	switch oh := peFile.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.Is64Bit = false
		entryRVA = oh.AddressOfEntryPoint
		imageBase = oh.ImageBase
		imageBase64 = uint64(imageBase)
		img.SizeOfHeaders = oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		img.Is64Bit = true
		entryRVA = oh.AddressOfEntryPoint
		imageBase64 = oh.ImageBase
		img.SizeOfHeaders = oh.SizeOfHeaders
	default:
		return nil, &rebinderr.InputError{Reason: "unrecognized optional header magic"}
	}
	img.EntryPointRVA = entryRVA
	img.ImageBase = imageBase64
	img.CheckSumOffset = uint32(checksumOff)

	if entryRVA >= maxEntryRVA {
		return nil, &rebinderr.InputError{Reason: fmt.Sprintf("entry point RVA 0x%x looks corrupted", entryRVA)}
	}

	for _, s := range peFile.Sections {
		sec := Section{
			Name:            s.Name,
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			RawOffset:       s.Offset,
			RawSize:         s.Size,
			Characteristics: s.Characteristics,
		}
		if uint64(sec.RawOffset)+uint64(sec.RawSize) > uint64(len(raw)) {
			return nil, &rebinderr.InputError{Reason: fmt.Sprintf("section %q: raw range exceeds file size", sec.Name)}
		}
		if sec.VirtualSize == 0 {
			return nil, &rebinderr.InputError{Reason: fmt.Sprintf("section %q has virtual_size 0", sec.Name)}
		}
		img.Sections = append(img.Sections, sec)
	}

	img.Imports = parseImports(peFile)
	img.Exports = parseExports(peFile, img.Sections)
	img.RichRecords = parseRichHeader(raw, sigOff)

	return img, nil
}

// RVAToFileOffset maps a relative virtual address to a file offset by
// walking the owning section, the same technique ZacharyZcR/PEPatch's
// Patcher.ReadRVA uses.
func (img *Image) RVAToFileOffset(rva uint32) (uint32, *Section, bool) {
	for i := range img.Sections {
		s := &img.Sections[i]
		size := s.VirtualSize
		if size == 0 || size < s.RawSize {
			size = s.RawSize
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return s.RawOffset + (rva - s.VirtualAddress), s, true
		}
	}
	return 0, nil, false
}

// SectionByName finds a section by name. debug/pe strips the NUL padding of
// the 8-byte name field, so pass the bare name (e.g. ".text").
func (img *Image) SectionByName(name string) (*Section, bool) {
	for i := range img.Sections {
		if img.Sections[i].Name == name {
			return &img.Sections[i], true
		}
	}
	return nil, false
}

// FirstExecutableSection returns the first section flagged as executable,
// which the reassembler patches new code into.
func (img *Image) FirstExecutableSection() (*Section, bool) {
	for i := range img.Sections {
		if img.Sections[i].IsExecutable() {
			return &img.Sections[i], true
		}
	}
	return nil, false
}
