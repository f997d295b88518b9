package pebuild

import (
	"log/slog"

	"github.com/xyproto/rebind/internal/peformat"
	"github.com/xyproto/rebind/internal/rebinderr"
)

// ReassembleOptions controls the byte-preserving merge of new code into an
// existing PE (SPEC_FULL.md §4.6).
type ReassembleOptions struct {
	// NewEntryRVA overrides AddressOfEntryPoint when non-zero; otherwise
	// the source PE's original entry point is kept unchanged.
	NewEntryRVA uint32
	// RecomputeChecksum re-derives IMAGE_OPTIONAL_HEADER.CheckSum after
	// patching, matching ZacharyZcR/PEPatch's UpdateChecksum. Best-effort:
	// failure here does not fail the reassembly.
	RecomputeChecksum bool
}

// Reassemble merges newCode into the source PE's executable section,
// preserving every other byte untouched. This is the "keep every original
// byte except the code" contract central to SPEC_FULL.md §4.6.
func Reassemble(src *peformat.Image, newCode []byte, opts ReassembleOptions) ([]byte, []string, error) {
	sec, ok := src.FirstExecutableSection()
	if !ok {
		return nil, nil, &rebinderr.ReassemblerError{Reason: "source PE has no executable section"}
	}

	code := newCode
	var autoFixes []string

	// When the source PE's entry point lies inside this section, 1 to
	// 0xFFF bytes past its raw start, the listing is taken to be anchored
	// at the entry point rather than the section start: prepend that many
	// NOP bytes so the code lands back at its original offset
	// (SPEC_FULL.md §4.6 step 3). The assembled program's own entry offset
	// is not consulted.
	if entryOff, entrySec, ok := src.RVAToFileOffset(src.EntryPointRVA); ok && entrySec.Name == sec.Name {
		pad := int(entryOff) - int(sec.RawOffset)
		if pad > 0 && pad < 0x1000 {
			padded := make([]byte, 0, pad+len(newCode))
			padded = append(padded, bytesOf(0x90, pad)...)
			padded = append(padded, newCode...)
			code = padded
			autoFixes = append(autoFixes, "prepended NOP padding to realign entry-anchored code to section start")
		}
	}

	if uint32(len(code)) > sec.RawSize {
		return nil, nil, &rebinderr.ReassemblerError{Reason: "assembled code does not fit in the original section"}
	}

	out := make([]byte, len(src.Raw))
	copy(out, src.Raw)

	copy(out[sec.RawOffset:], code)
	for i := len(code); i < int(sec.RawSize); i++ {
		out[int(sec.RawOffset)+i] = 0
	}

	if opts.NewEntryRVA != 0 {
		patchEntryPoint(out, src, opts.NewEntryRVA)
		autoFixes = append(autoFixes, "updated AddressOfEntryPoint")
	}

	if opts.RecomputeChecksum {
		if err := recomputeChecksum(out, src.CheckSumOffset); err != nil {
			slog.Warn("checksum recomputation failed; leaving original checksum in place", "error", err)
			autoFixes = append(autoFixes, "checksum recomputation skipped: "+err.Error())
		} else {
			autoFixes = append(autoFixes, "recomputed PE checksum")
		}
	}

	slog.Info("reassembled PE", "section", sec.Name, "code_bytes", len(code), "auto_fixes", len(autoFixes))

	return out, autoFixes, nil
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func patchEntryPoint(raw []byte, src *peformat.Image, newEntryRVA uint32) {
	// AddressOfEntryPoint sits at a fixed offset from the optional
	// header's CheckSum field in every PE32/PE32+ layout we write.
	entryOffset := src.CheckSumOffset - 0x40 + 0x10
	if int(entryOffset)+4 > len(raw) {
		return
	}
	raw[entryOffset] = byte(newEntryRVA)
	raw[entryOffset+1] = byte(newEntryRVA >> 8)
	raw[entryOffset+2] = byte(newEntryRVA >> 16)
	raw[entryOffset+3] = byte(newEntryRVA >> 24)
}
