// Package disasm implements the section-aware, entry-point-anchored x86/x64
// disassembler (SPEC_FULL.md §4.2). It decodes with golang.org/x/arch's
// x86asm package — the same decoder the Go toolchain itself uses — rather
// than hand-rolling a second one, and applies the padding/data-pattern
// stopping heuristics on top.
//
// A section's effective size is its virtual_size only when that is
// positive, smaller than raw_size and larger than 256 bytes; otherwise
// raw_size is used. This 256-byte heuristic is intentional.
package disasm

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/xyproto/rebind/internal/peformat"
)

const (
	maxSectionBytes       = 1 << 20 // 1 MiB per section
	maxTotalInstructions  = 50000
	maxAddressGap         = 256
	maxConsecutiveNOPs    = 50
	maxConsecutiveDataOps = 20
	smallImageThreshold   = 100 * 1024
)

// Instruction is one decoded line of the listing.
type Instruction struct {
	Address        uint64
	Bytes          []byte
	Mnemonic       string
	Operands       string
	Size           int
	IsRIPRelative  bool
	RIPTargetValid bool
	RIPTarget      uint64
}

// SectionResult holds the decoded instructions for a single section plus
// the reason decoding stopped (empty string means it ran off the end of
// the section cleanly).
type SectionResult struct {
	SectionName  string
	Instructions []Instruction
	StopReason   string
}

// Result is the full disassembly across every executable section.
type Result struct {
	Sections         []SectionResult
	TotalInstruction int
	NOPCount         int
}

// Run disassembles every executable section of img, anchored at the entry
// point when it falls inside that section.
func Run(img *peformat.Image) (*Result, error) {
	mode := 32
	if img.Is64Bit {
		mode = 64
	}

	res := &Result{}
	budget := maxTotalInstructions

	for _, sec := range img.Sections {
		if !sec.IsExecutable() || budget <= 0 {
			continue
		}
		sr := decodeSection(img, sec, mode, &budget)
		res.Sections = append(res.Sections, sr)
		res.TotalInstruction += len(sr.Instructions)
		for _, in := range sr.Instructions {
			if in.Mnemonic == "nop" {
				res.NOPCount++
			}
		}
	}

	if res.TotalInstruction > 100 {
		nopPct := float64(res.NOPCount) / float64(res.TotalInstruction) * 100
		if nopPct > 50 {
			slog.Warn("high NOP fraction; prefer decompilation over reassembly",
				"nop_percent", nopPct, "total_instructions", res.TotalInstruction)
		}
	}
	return res, nil
}

func decodeSection(img *peformat.Image, sec peformat.Section, mode int, budget *int) SectionResult {
	sr := SectionResult{SectionName: sec.Name}

	effSize := sec.VirtualSize
	if effSize == 0 || effSize >= sec.RawSize || effSize <= 256 {
		effSize = sec.RawSize
	}
	if effSize > maxSectionBytes {
		effSize = maxSectionBytes
	}

	start := sec.RawOffset
	entryOff, entrySec, ok := img.RVAToFileOffset(img.EntryPointRVA)
	if ok && entrySec.Name == sec.Name {
		start = entryOff
	} else if len(img.Raw) < smallImageThreshold {
		sr.StopReason = "entry point not in this section; image too small to scan speculatively"
		return sr
	}

	end := sec.RawOffset + effSize
	if end > uint32(len(img.Raw)) {
		end = uint32(len(img.Raw))
	}

	var lastAddr uint64 = 0
	haveLast := false
	consecutiveNOPs := 0
	consecutiveDataOps := 0

	pos := start
	for pos < end {
		if *budget <= 0 {
			sr.StopReason = "global instruction cap reached"
			break
		}
		chunk := img.Raw[pos:end]
		inst, err := x86asm.Decode(chunk, mode)
		if err != nil {
			sr.StopReason = fmt.Sprintf("decode error at offset 0x%x: %v", pos, err)
			break
		}

		addr := img.ImageBase + uint64(sec.VirtualAddress) + uint64(pos-sec.RawOffset)
		if haveLast && addr > lastAddr && addr-lastAddr > maxAddressGap {
			sr.StopReason = "address gap exceeds padding threshold"
			break
		}
		lastAddr = addr
		haveLast = true

		mnemonic, operands := formatInstruction(inst, addr)

		ins := Instruction{
			Address:  addr,
			Bytes:    append([]byte(nil), chunk[:inst.Len]...),
			Mnemonic: mnemonic,
			Operands: sanitizeOperandText(operands),
			Size:     inst.Len,
		}
		if idx := strings.Index(ins.Operands, "[rip"); idx >= 0 {
			ins.IsRIPRelative = true
			if target, ok := ripTarget(ins.Operands, addr+uint64(ins.Size)); ok {
				ins.RIPTargetValid = true
				ins.RIPTarget = target
			}
		}

		sr.Instructions = append(sr.Instructions, ins)
		*budget--

		if mnemonic == "nop" {
			consecutiveNOPs++
			if consecutiveNOPs >= maxConsecutiveNOPs {
				sr.StopReason = "consecutive NOP padding"
				break
			}
		} else {
			consecutiveNOPs = 0
		}

		if isDataPatternOp(mnemonic, operands) {
			consecutiveDataOps++
			if consecutiveDataOps >= maxConsecutiveDataOps {
				sr.StopReason = "consecutive data-pattern instructions"
				break
			}
		} else {
			consecutiveDataOps = 0
		}

		pos += uint32(inst.Len)
	}

	return sr
}

func formatInstruction(inst x86asm.Inst, pc uint64) (mnemonic, operands string) {
	full := x86asm.IntelSyntax(inst, pc, nil)
	full = strings.TrimSpace(full)
	parts := strings.SplitN(full, " ", 2)
	mnemonic = strings.ToLower(parts[0])
	if len(parts) > 1 {
		operands = strings.TrimSpace(parts[1])
	}
	return mnemonic, operands
}

var dataPatternMnemonics = map[string]bool{
	"add": true, "or": true, "xor": true, "adc": true, "sbb": true, "and": true,
}

func isDataPatternOp(mnemonic, operands string) bool {
	if !dataPatternMnemonics[mnemonic] {
		return false
	}
	return strings.Contains(operands, "byte ptr") || strings.Contains(operands, "al,") || strings.Contains(operands, ", al")
}

func sanitizeOperandText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == 0 || (r < 0x20 && r != '\t') {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ripTarget parses "[rip + 0xNNNN]" / "[rip - 0xNNNN]" out of operand text
// and resolves it against the address immediately following the
// instruction, mirroring enhanced_disasm.rs's calculate_rip_target.
func ripTarget(operands string, nextInsnAddr uint64) (uint64, bool) {
	off, neg, ok := ExtractRIPOffset(operands)
	if !ok {
		return 0, false
	}
	if neg {
		return nextInsnAddr - uint64(off), true
	}
	return nextInsnAddr + uint64(off), true
}

// ExtractRIPOffset finds the first "rip" substring in text and parses the
// signed hex offset following it ("+ 0xNNNN" or "- 0xNNNN"). Shared by the
// disassembler (to resolve RIPTarget) and the relocator (to classify and
// rewrite listing lines) so the two stages agree on what counts as a
// RIP-relative reference.
func ExtractRIPOffset(text string) (offset uint64, negative bool, ok bool) {
	idx := strings.Index(text, "rip")
	if idx < 0 {
		return 0, false, false
	}
	rest := text[idx+3:]

	plusIdx := strings.Index(rest, "+ 0x")
	minusIdx := strings.Index(rest, "- 0x")
	var sign int
	var hexStart int
	switch {
	case plusIdx >= 0 && (minusIdx < 0 || plusIdx < minusIdx):
		sign = 1
		hexStart = plusIdx + len("+ 0x")
	case minusIdx >= 0:
		sign = -1
		hexStart = minusIdx + len("- 0x")
	default:
		return 0, false, false
	}

	end := hexStart
	for end < len(rest) && isHexDigit(rest[end]) {
		end++
	}
	if end == hexStart {
		return 0, false, false
	}
	var v uint64
	for i := hexStart; i < end; i++ {
		v = v<<4 | uint64(hexDigitValue(rest[i]))
	}
	return v, sign < 0, true
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func hexDigitValue(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	default:
		return int(b-'A') + 10
	}
}
