package reloc

import (
	"strings"
	"testing"
)

func TestRunLabelsDataAndImportSites(t *testing.T) {
	listing := "00001000  mov rax, [rip + 0x100]\n" +
		"00001010  call qword ptr [rip + 0x100]\n"

	res := Run(listing, nil, nil)

	if !strings.Contains(res.Listing, "[rip + data_100]") && !strings.Contains(res.Listing, "[rip + import_100]") {
		t.Fatalf("expected a rewritten rip label, got:\n%s", res.Listing)
	}
	// Both sites share offset 0x100, so they must resolve to the SAME label.
	firstIdx := strings.Index(res.Listing, "[rip + ")
	if firstIdx < 0 {
		t.Fatalf("no rewritten reference found")
	}
	label := res.Listing[firstIdx+len("[rip + ") : strings.Index(res.Listing[firstIdx:], "]")+firstIdx]
	count := strings.Count(res.Listing, "[rip + "+label+"]")
	if count != 2 {
		t.Fatalf("expected both sites to share label %q, found %d occurrences", label, count)
	}
}

func TestRunPureFunction(t *testing.T) {
	listing := "00001000  lea rdi, [rip - 0x10]\n"
	a := Run(listing, nil, nil)
	b := Run(listing, nil, nil)
	if a.Listing != b.Listing {
		t.Fatalf("relocator rewrite is not deterministic")
	}
}

func TestRunWithoutSourcePEMarksUnfixed(t *testing.T) {
	listing := "00001000  mov rax, [rip + 0x100]\n"
	res := Run(listing, nil, nil)
	if res.Stats.Unfixed != 1 {
		t.Fatalf("expected 1 unfixed reference, got %d", res.Stats.Unfixed)
	}
	if !strings.Contains(res.Listing, ".quad 0") {
		t.Fatalf("expected zero placeholder in data section")
	}
}

func TestMissingClosingBracketLeavesLineUnmodified(t *testing.T) {
	r := rewriteLine("mov rax, [rip + 0x10", Reference{Offset: 0x10, Label: "data_10"})
	if r != "mov rax, [rip + 0x10" {
		t.Fatalf("expected unmodified line, got %q", r)
	}
}
