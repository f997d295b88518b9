package asmx86

import (
	"bytes"
	"testing"
)

func TestAssembleMinimalProgram(t *testing.T) {
	listing := `.intel_syntax noprefix
.section .text
.global _start
_start:
xor eax, eax
ret
`
	prog, err := Assemble(listing, Options{TextBase: 0x1000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []byte{0x31, 0xC0, 0xC3}
	if !bytes.Equal(prog.Code, want) {
		t.Fatalf("got % x, want % x", prog.Code, want)
	}
	if prog.EntryOffset != 0 {
		t.Fatalf("expected entry offset 0, got %d", prog.EntryOffset)
	}
}

func TestAssembleUndefinedLabelFails(t *testing.T) {
	listing := "jmp nowhere\n"
	if _, err := Assemble(listing, Options{TextBase: 0x1000}); err == nil {
		t.Fatalf("expected an undefined-label error")
	}
}

func TestAssembleDuplicateLabelFails(t *testing.T) {
	listing := "a:\nret\na:\nret\n"
	if _, err := Assemble(listing, Options{TextBase: 0x1000}); err == nil {
		t.Fatalf("expected a duplicate-label error")
	}
}

func TestAssembleForwardJump(t *testing.T) {
	listing := `_start:
jmp target
nop
target:
ret
`
	prog, err := Assemble(listing, Options{TextBase: 0x1000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// jmp rel32 (5 bytes) + nop (1 byte) + ret (1 byte) = 7 bytes total;
	// displacement should skip exactly the nop.
	if len(prog.Code) != 7 {
		t.Fatalf("expected 7 bytes, got %d: % x", len(prog.Code), prog.Code)
	}
	if !bytes.Equal(prog.Code[:5], []byte{0xE9, 0x01, 0x00, 0x00, 0x00}) {
		t.Fatalf("expected jmp rel32 with displacement 1, got % x", prog.Code[:5])
	}
}

func TestAssembleCallThroughIAT(t *testing.T) {
	listing := `.section .text
_start:
call [rip + import_abc]
.section .data
import_abc:
.quad 0
`
	prog, err := Assemble(listing, Options{TextBase: 0x1000, DataBase: 0x2000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(prog.Code) < 2 || prog.Code[0] != 0xFF || prog.Code[1] != 0x15 {
		t.Fatalf("expected FF 15 indirect call prefix, got % x", prog.Code)
	}
}

func TestAssembleUnknownMnemonicFails(t *testing.T) {
	if _, err := Assemble("bogus eax, ebx\n", Options{TextBase: 0x1000}); err == nil {
		t.Fatalf("expected invalid-instruction error")
	}
}
