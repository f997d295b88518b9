package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/xyproto/rebind/internal/rebinderr"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"input error", &rebinderr.InputError{Path: "a.exe", Reason: "missing"}, exitInputError},
		{"assembler error", &rebinderr.AssemblerError{Line: 1, Message: "bad", Kind: "syntax"}, exitAssemblerError},
		{"reassembler error", &rebinderr.ReassemblerError{Reason: "too big"}, exitReassemblerError},
		{"wrapped input error", fmt.Errorf("wrap: %w", &rebinderr.InputError{Path: "a", Reason: "r"}), exitInputError},
		{"generic error", errors.New("boom"), exitInputError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
