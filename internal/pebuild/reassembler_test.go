package pebuild

import (
	"bytes"
	"testing"

	"github.com/xyproto/rebind/internal/asmx86"
	"github.com/xyproto/rebind/internal/peformat"
)

func fakeProgram(t *testing.T, code []byte) *asmx86.Program {
	t.Helper()
	return &asmx86.Program{
		Code:        code,
		EntryOffset: 0,
		Labels:      map[string]uint64{"_start": uint64(peSectionAlign)},
	}
}

func buildFixtureImage(t *testing.T) (*peformat.Image, []byte) {
	t.Helper()
	raw := make([]byte, 8192)
	img := &peformat.Image{
		Raw:           raw,
		Is64Bit:       true,
		EntryPointRVA: 0x1000,
		Sections: []peformat.Section{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x200, RawOffset: 0x400, RawSize: 0x200, Characteristics: 0x60000020},
		},
	}
	return img, raw
}

func TestReassembleByteIdentityOutsidePatchedSection(t *testing.T) {
	img, raw := buildFixtureImage(t)
	for i := range raw {
		raw[i] = byte(i % 251)
	}

	newCode := bytes.Repeat([]byte{0xAA}, 16)
	out, _, err := Reassemble(img, newCode, ReassembleOptions{})
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(out) != len(raw) {
		t.Fatalf("output size changed: got %d, want %d", len(out), len(raw))
	}
	for i := 0; i < 0x400; i++ {
		if out[i] != raw[i] {
			t.Fatalf("byte %d before patched section differs", i)
		}
	}
	for i := 0x600; i < len(raw); i++ {
		if out[i] != raw[i] {
			t.Fatalf("byte %d after patched section differs", i)
		}
	}
	for i := 0; i < 16; i++ {
		if out[0x400+i] != 0xAA {
			t.Fatalf("patched byte %d not applied", i)
		}
	}
	for i := 0x410; i < 0x600; i++ {
		if out[i] != 0 {
			t.Fatalf("trailing section byte %d not zeroed, got %d", i, out[i])
		}
	}
}

func TestReassembleRejectsOversizedCode(t *testing.T) {
	img, _ := buildFixtureImage(t)
	tooBig := make([]byte, 0x201)
	if _, _, err := Reassemble(img, tooBig, ReassembleOptions{}); err == nil {
		t.Fatalf("expected code-too-large error")
	}
}

func TestBuildFreshPEWithImports(t *testing.T) {
	prog := fakeProgram(t, []byte{0xE8, 0, 0, 0, 0, 0xC3})
	raw, err := BuildFreshPE(prog, ImportSet{"kernel32.dll": {"ExitProcess", "GetStdHandle"}})
	if err != nil {
		t.Fatalf("BuildFreshPE: %v", err)
	}
	if len(raw) < 0x400 {
		t.Fatalf("expected a plausible-sized PE, got %d bytes", len(raw))
	}
	if raw[0] != 'M' || raw[1] != 'Z' {
		t.Fatalf("missing MZ signature")
	}
}
