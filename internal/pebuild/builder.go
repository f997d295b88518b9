package pebuild

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lunixbochs/struc"

	"github.com/xyproto/rebind/internal/asmx86"
)

// ImportSet is the caller-supplied {dll -> functions} map the builder
// turns into an IDT/ILT/IAT, generalized from the teacher's fixed
// "msvcrt.dll"-only import list (pe.go's WritePE) to an arbitrary set.
type ImportSet map[string][]string

// BuildFreshPE synthesizes a minimal valid PE32+ around assembled code
// that references no source PE (SPEC_FULL.md §4.5): .text, .rdata (IDT +
// ILT + hint/name tables + DLL names), and .idata (IAT).
func BuildFreshPE(prog *asmx86.Program, imports ImportSet) ([]byte, error) {
	headerSize := alignTo(dosHeaderSize+peSignatureSize+coffHeaderSize+optionalHeaderSize+3*sectionHeaderSize, peFileAlign)

	textRaw := headerSize
	textVA := peSectionAlign
	textRawSize := alignTo(uint32(len(prog.Code)), peFileAlign)
	if textRawSize == 0 {
		textRawSize = peFileAlign
	}

	rdataVA := alignTo(textVA+uint32(len(prog.Code)), peSectionAlign)
	rdataRaw := textRaw + textRawSize

	tables, err := buildImportTables(imports, rdataVA)
	if err != nil {
		return nil, err
	}

	rdataRawSize := alignTo(uint32(len(tables.rdata)), peFileAlign)
	if rdataRawSize == 0 {
		rdataRawSize = peFileAlign
	}
	idataRaw := rdataRaw + rdataRawSize
	idataVA := alignTo(rdataVA+uint32(len(tables.rdata)), peSectionAlign)
	idataSize := tables.iatSize
	idataRawSize := alignTo(idataSize, peFileAlign)
	if idataRawSize == 0 {
		idataRawSize = peFileAlign
	}

	tables.finalize(idataVA)

	code := append([]byte(nil), prog.Code...)
	patchCallSitesToIAT(code, textVA, prog.ImportCallSites, imports, tables.IATMap(idataVA))

	sizeOfImage := alignTo(idataVA+idataSize, peSectionAlign)

	var buf bytes.Buffer
	if err := writeDOSAndCOFFHeader(&buf, prog.EntryOffset+uint64(textVA), uint32(len(code)), rdataVA, uint32(len(tables.rdata)), idataVA, idataSize, headerSize, sizeOfImage, 3); err != nil {
		return nil, err
	}

	writeSectionHeader(&buf, ".text", uint32(len(code)), textVA, textRawSize, textRaw, scnCntCode|scnMemExecute|scnMemRead)
	writeSectionHeader(&buf, ".rdata", uint32(len(tables.rdata)), rdataVA, rdataRawSize, rdataRaw, scnCntInitData|scnMemRead)
	writeSectionHeader(&buf, ".idata", idataSize, idataVA, idataRawSize, idataRaw, scnCntInitData|scnMemRead|scnMemWrite)

	padTo(&buf, int(headerSize))

	buf.Write(code)
	padTo(&buf, int(textRaw+textRawSize))

	buf.Write(tables.rdata)
	padTo(&buf, int(rdataRaw+rdataRawSize))

	buf.Write(make([]byte, idataSize)) // IAT contents are populated by the loader at load time
	padTo(&buf, int(idataRaw+idataRawSize))

	slog.Info("built fresh PE", "size", buf.Len(), "entry_rva", textVA+uint32(prog.EntryOffset), "dlls", len(imports))

	return buf.Bytes(), nil
}

func padTo(buf *bytes.Buffer, size int) {
	for buf.Len() < size {
		buf.WriteByte(0)
	}
}

func writeDOSAndCOFFHeader(buf *bytes.Buffer, entryRVA uint64, codeSize, importDirRVA, importDirSize, iatRVA, iatSize, headerSize, sizeOfImage uint32, numSections uint16) error {
	dos := make([]byte, dosHeaderSize)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], dosHeaderSize)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	fh := pe.FileHeader{
		Machine:              imageFileMachineAMD64,
		NumberOfSections:     numSections,
		SizeOfOptionalHeader: optionalHeaderSize,
		Characteristics:      0x0022,
	}
	if err := struc.PackWithOptions(buf, &fh, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return fmt.Errorf("pack COFF header: %w", err)
	}

	oh := pe.OptionalHeader64{
		Magic:                       0x20B,
		SizeOfCode:                  codeSize,
		AddressOfEntryPoint:         uint32(entryRVA),
		BaseOfCode:                  peSectionAlign,
		ImageBase:                   peImageBase,
		SectionAlignment:            peSectionAlign,
		FileAlignment:               peFileAlign,
		MajorOperatingSystemVersion: 6,
		MajorSubsystemVersion:       6,
		SizeOfImage:                 sizeOfImage,
		SizeOfHeaders:               headerSize,
		Subsystem:                   imageSubsystemCUI,
		DllCharacteristics:          0x8160,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:          0x1000,
		SizeOfHeapReserve:          0x100000,
		SizeOfHeapCommit:           0x1000,
		NumberOfRvaAndSizes:        16,
	}
	if importDirSize > 0 {
		oh.DataDirectory[1] = pe.DataDirectory{VirtualAddress: importDirRVA, Size: importDirSize}
	}
	if iatSize > 0 {
		oh.DataDirectory[12] = pe.DataDirectory{VirtualAddress: iatRVA, Size: iatSize}
	}
	if err := struc.PackWithOptions(buf, &oh, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return fmt.Errorf("pack optional header: %w", err)
	}
	return nil
}

func writeSectionHeader(buf *bytes.Buffer, name string, virtualSize, virtualAddr, rawSize, rawAddr, characteristics uint32) {
	sh := pe.SectionHeader32{
		Name:             sectionName8(name),
		VirtualSize:      virtualSize,
		VirtualAddress:   virtualAddr,
		SizeOfRawData:    rawSize,
		PointerToRawData: rawAddr,
		Characteristics:  characteristics,
	}
	struc.PackWithOptions(buf, &sh, &struc.Options{Order: binary.LittleEndian})
}

// importLib tracks the offsets assigned to one DLL's tables during import
// directory construction; mirrors the teacher's libData bookkeeping in
// BuildPEImportData.
type importLib struct {
	name        string
	functions   []string
	iltOffset   uint32 // offset within .rdata
	nameOffset  uint32
	hintsOffset []uint32
	descOffset  int // offset within .rdata of this library's 20-byte IDT entry
}

// importTables holds the serialized IDT/ILT/hint-name/DLL-name contents
// (everything that lives in .rdata) plus enough bookkeeping to patch in
// the .idata-relative IAT RVAs once that section's final address is known.
type importTables struct {
	rdata   []byte
	libs    []*importLib
	iatSize uint32
	iatOf   map[string]uint32 // function -> offset within .idata
}

// finalize patches each IDT descriptor's FirstThunk field now that the
// .idata section's RVA is known; IATMap afterwards returns real RVAs.
func (t *importTables) finalize(idataVA uint32) {
	for _, lib := range t.libs {
		if len(lib.functions) == 0 {
			continue
		}
		iatOff := t.iatOf[lib.functions[0]]
		binary.LittleEndian.PutUint32(t.rdata[lib.descOffset+16:], idataVA+iatOff)
	}
}

// IATMap returns function name -> final IAT RVA, valid after finalize.
func (t *importTables) IATMap(idataVA uint32) map[string]uint32 {
	out := make(map[string]uint32, len(t.iatOf))
	for fn, off := range t.iatOf {
		out[fn] = idataVA + off
	}
	return out
}

// matchImportFunction resolves an import call-site label (e.g.
// "import_kernel32_exitprocess") to one of the function names the caller
// requested imports for. A label may wrap the function name in a prefix
// and DLL stem rather than being the bare function name, so matching is a
// case-insensitive substring test rather than equality.
func matchImportFunction(label string, imports ImportSet) (fn string, ok bool) {
	lower := strings.ToLower(label)
	for _, fns := range imports {
		for _, f := range fns {
			if strings.Contains(lower, strings.ToLower(f)) {
				return f, true
			}
		}
	}
	return "", false
}

// patchCallSitesToIAT repoints each recorded `call [rip+label]` encoding
// (0xFF 0x15 + rel32) at the real IAT slot now that section layout and
// import table offsets are known, adapted from the teacher's
// PatchPECallsToIAT. The assembler resolves these displacements against a
// placeholder DataBase at assembly time; this pass overwrites them with
// the displacement to the function's actual .idata RVA.
func patchCallSitesToIAT(code []byte, textVA uint32, sites []asmx86.ImportCallSite, imports ImportSet, iatRVAs map[string]uint32) {
	for _, site := range sites {
		off := site.CodeOffset
		if off+6 > len(code) || code[off] != 0xFF || code[off+1] != 0x15 {
			continue
		}
		fn, ok := matchImportFunction(site.Label, imports)
		if !ok {
			slog.Warn("import call site has no matching import; leaving placeholder displacement", "label", site.Label)
			continue
		}
		iatRVA, ok := iatRVAs[fn]
		if !ok {
			continue
		}
		nextInstr := textVA + uint32(off) + 6
		disp := int32(iatRVA) - int32(nextInstr)
		binary.LittleEndian.PutUint32(code[off+2:], uint32(disp))
	}
}

// buildImportTables lays out the IDT, ILT, hint/name tables, and DLL names
// for a 64-bit PE in a single contiguous .rdata blob, directly adapted
// from the teacher's BuildPEImportData. The IAT itself lives in a separate
// .idata section whose RVA isn't known until the .rdata size is, so
// descriptor FirstThunk fields and the returned IAT offsets are relative
// until finalize/IATMap apply idataVA.
func buildImportTables(imports ImportSet, rdataVA uint32) (*importTables, error) {
	t := &importTables{iatOf: map[string]uint32{}}
	if len(imports) == 0 {
		return t, nil
	}

	for dll, funcs := range imports {
		t.libs = append(t.libs, &importLib{name: dll, functions: funcs})
	}

	idtSize := uint32((len(t.libs) + 1) * 20) // +1 for the null-terminating descriptor
	offset := idtSize

	for i, lib := range t.libs {
		lib.descOffset = i * 20
		lib.iltOffset = offset
		offset += uint32(len(lib.functions)+1) * 8 // +1 for the null terminator
	}
	for _, lib := range t.libs {
		lib.hintsOffset = make([]uint32, len(lib.functions))
		for i, fn := range lib.functions {
			lib.hintsOffset[i] = offset
			sz := 2 + len(fn) + 1
			if sz%2 != 0 {
				sz++
			}
			offset += uint32(sz)
		}
	}
	for _, lib := range t.libs {
		lib.nameOffset = offset
		offset += uint32(len(lib.name) + 1)
	}

	buf := make([]byte, offset)
	var iatCursor uint32
	for _, lib := range t.libs {
		binary.LittleEndian.PutUint32(buf[lib.descOffset:], rdataVA+lib.iltOffset) // OriginalFirstThunk (ILT)
		binary.LittleEndian.PutUint32(buf[lib.descOffset+12:], rdataVA+lib.nameOffset) // Name

		for i, fn := range lib.functions {
			hintNameRVA := rdataVA + lib.hintsOffset[i]
			binary.LittleEndian.PutUint64(buf[lib.iltOffset+uint32(i*8):], uint64(hintNameRVA))
			binary.LittleEndian.PutUint16(buf[lib.hintsOffset[i]:], 0) // hint
			copy(buf[lib.hintsOffset[i]+2:], fn)
			t.iatOf[fn] = iatCursor + uint32(i*8)
		}
		copy(buf[lib.nameOffset:], lib.name)

		t.iatSize += uint32(len(lib.functions)+1) * 8
		iatCursor += uint32(len(lib.functions)+1) * 8
	}

	t.rdata = buf
	return t, nil
}
