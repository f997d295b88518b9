package disasm

import (
	"fmt"
	"strings"
)

// Listing renders a Result as the plain-text form consumed downstream by
// the relocator and, after relocation, by the assembler: one
// "AAAAAAAA  mnemonic  operands" line per instruction, a "; Section: NAME"
// banner comment (name only) ahead of each section, a "; stopped:" comment
// after any section that stopped early, and one statistics footer.
func (r *Result) Listing() string {
	var b strings.Builder
	for _, sec := range r.Sections {
		fmt.Fprintf(&b, "; Section: %s\n", sec.SectionName)
		for _, in := range sec.Instructions {
			fmt.Fprintf(&b, "%08X  %s  %s\n", in.Address, in.Mnemonic, in.Operands)
		}
		if sec.StopReason != "" {
			fmt.Fprintf(&b, "; stopped: %s\n", sec.StopReason)
		}
	}
	nopPct := 0.0
	if r.TotalInstruction > 0 {
		nopPct = float64(r.NOPCount) / float64(r.TotalInstruction) * 100
	}
	fmt.Fprintf(&b, "; total instructions: %d, nop: %.1f%%\n", r.TotalInstruction, nopPct)
	if nopPct > 50 && r.TotalInstruction > 100 {
		b.WriteString("; WARNING: mostly padding — prefer decompilation over reassembly\n")
	}
	return b.String()
}
