// Package rebinderr defines the error taxonomy shared across the pipeline:
// input validation, decode warnings, assembler errors, partial relocation
// results, and reassembler failures each get a distinct type so callers can
// errors.As instead of matching on message text.
package rebinderr

import "fmt"

// InputError signals a fatal problem with a supplied file: missing, not a
// PE, oversized, or otherwise unusable before any real work starts.
type InputError struct {
	Path   string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input-validation: %s: %s", e.Path, e.Reason)
}

// DecodeWarning is non-fatal: the disassembler noticed something worth
// surfacing (high NOP ratio, suspected data-as-code) but produced output
// anyway.
type DecodeWarning struct {
	Message string
}

func (e *DecodeWarning) Error() string {
	return fmt.Sprintf("decode-warning: %s", e.Message)
}

// AssemblerError is fatal for the current assembly: bad syntax, an
// undefined or duplicate label, or an instruction the encoder can't emit.
type AssemblerError struct {
	Line    int
	Column  int
	Message string
	Kind    string // "invalid-instruction", "undefined-label", "duplicate-label", "internal"
}

func (e *AssemblerError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("assembler-error(%s): line %d:%d: %s", e.Kind, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("assembler-error(%s): %s", e.Kind, e.Message)
}

// RelocatorPartial is non-fatal: some RIP offsets had no corresponding
// bytes in the source PE, so the caller must decide whether to proceed.
type RelocatorPartial struct {
	Unfixed int
	Total   int
}

func (e *RelocatorPartial) Error() string {
	return fmt.Sprintf("relocator-partial: %d of %d references unresolved", e.Unfixed, e.Total)
}

// ReassemblerError is fatal: the new code didn't fit, or the target
// section couldn't be located. No output file is written.
type ReassemblerError struct {
	Reason string
}

func (e *ReassemblerError) Error() string {
	return fmt.Sprintf("reassembler-error: %s", e.Reason)
}
