package peformat

import (
	"testing"
)

func TestParseRejectsNonPE(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", []byte{0x4D}},
		{"wrong signature", []byte("not an exe, just text padded out to be long enough")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Parse(c.data); err == nil {
				t.Fatalf("expected error for %s", c.name)
			}
		})
	}
}

func TestParseMinimalPE64(t *testing.T) {
	raw := buildMinimalPE64(t)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !img.Is64Bit {
		t.Fatalf("expected 64-bit image")
	}
	if img.EntryPointRVA == 0 {
		t.Fatalf("expected non-zero entry point")
	}
	for _, s := range img.Sections {
		if uint64(s.RawOffset)+uint64(s.RawSize) > uint64(len(raw)) {
			t.Fatalf("section %q raw range exceeds file size", s.Name)
		}
	}
	sec, ok := img.FirstExecutableSection()
	if !ok {
		t.Fatalf("expected an executable section")
	}
	if sec.Name != ".text" {
		t.Fatalf("expected .text, got %q", sec.Name)
	}
}

func TestRVAToFileOffset(t *testing.T) {
	raw := buildMinimalPE64(t)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sec, ok := img.SectionByName(".text")
	if !ok {
		t.Fatalf("missing .text")
	}
	off, gotSec, ok := img.RVAToFileOffset(sec.VirtualAddress)
	if !ok {
		t.Fatalf("expected RVA to map")
	}
	if off != sec.RawOffset {
		t.Fatalf("expected offset %d, got %d", sec.RawOffset, off)
	}
	if gotSec.Name != ".text" {
		t.Fatalf("expected .text section back, got %q", gotSec.Name)
	}
}
