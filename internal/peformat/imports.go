package peformat

import (
	"debug/pe"
	"log/slog"
)

// parseImports flattens debug/pe's per-DLL import symbol list into the
// shared Import shape used by the relocator's IAT-slot cross-referencing
// (SPEC_FULL.md §4.3 "Expansion — import naming").
func parseImports(f *pe.File) []Import {
	var out []Import
	libs, err := f.ImportedSymbols()
	if err != nil {
		slog.Debug("no import directory or failed to parse it", "error", err)
		return nil
	}
	for _, sym := range libs {
		dll, name := splitImportSymbol(sym)
		out = append(out, Import{DLL: dll, Name: name})
	}
	return out
}

// splitImportSymbol splits debug/pe's "Name:dll" formatted import symbol
// (it appends the DLL after a colon) back into {dll, name}.
func splitImportSymbol(sym string) (dll, name string) {
	for i := len(sym) - 1; i >= 0; i-- {
		if sym[i] == ':' {
			return sym[i+1:], sym[:i]
		}
	}
	return "", sym
}

// parseExports does not parse the export directory: it always returns nil,
// so Image.Exports is always empty. debug/pe exposes no parsed export
// directory helper and no hand-rolled walk is implemented; an .edata
// section is only noted at debug log level.
func parseExports(f *pe.File, sections []Section) []Export {
	for _, s := range sections {
		if s.Name == ".edata" {
			slog.Debug(".edata section present but export directory parsing is not implemented", "section", s.Name)
		}
	}
	return nil
}

// parseRichHeader scans between the DOS stub and the PE signature for the
// undocumented "Rich" header some Microsoft linkers emit: a trailer tag
// "Rich" followed by a 4-byte XOR key, with the body XOR-decoding back to
// a "DanS" marker, three zero padding words, and {compID, useCount} pairs
// (compID packs productID and buildID).
func parseRichHeader(raw []byte, peSigOffset int) []RichRecord {
	if peSigOffset < 8 || peSigOffset > len(raw) {
		return nil
	}
	stub := raw[:peSigOffset]
	richTagOff := indexOf(stub, []byte("Rich"))
	if richTagOff < 0 || richTagOff+8 > len(stub) {
		return nil
	}
	key := stub[richTagOff+4 : richTagOff+8]
	xorKey := uint32(key[0]) | uint32(key[1])<<8 | uint32(key[2])<<16 | uint32(key[3])<<24

	// Walk backwards from the tag decoding words until we hit the "DanS"
	// marker (itself XOR'd with the same key).
	var decoded []uint32
	for off := richTagOff - 4; off >= 0; off -= 4 {
		word := le32(stub, off)
		plain := word ^ xorKey
		if plain == 0x536e6144 { // "DanS"
			break
		}
		decoded = append([]uint32{plain}, decoded...)
	}
	// The three words right after "DanS" decode to zero padding.
	if len(decoded) >= 3 && decoded[0] == 0 && decoded[1] == 0 && decoded[2] == 0 {
		decoded = decoded[3:]
	}

	var records []RichRecord
	for i := 0; i+1 < len(decoded); i += 2 {
		compID := decoded[i]
		count := decoded[i+1]
		records = append(records, RichRecord{
			ProductID: uint16(compID >> 16),
			BuildID:   uint16(compID),
			UseCount:  count,
		})
	}
	return records
}

func le32(b []byte, off int) uint32 {
	if off < 0 || off+4 > len(b) {
		return 0
	}
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
