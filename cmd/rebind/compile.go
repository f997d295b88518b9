package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xyproto/rebind/internal/asmx86"
	"github.com/xyproto/rebind/internal/disasm"
	"github.com/xyproto/rebind/internal/pebuild"
	"github.com/xyproto/rebind/internal/reloc"
)

// newCompileCommand is a thin orchestration of disassemble -> relocate ->
// assemble over a single source PE, the CLI's convenience entry point the
// way the distilled spec's driver names one (SPEC_FULL.md §6). Out of the
// four-subsystem core proper; it exists only to wire them together.
func newCompileCommand(opts *rootOptions) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "compile <source-pe> <opt-level>",
		Short: "Disassemble, relocate, and reassemble a PE in one step",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			optLevel, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("opt-level must be an integer: %w", err)
			}

			img, err := loadImage(args[0])
			if err != nil {
				return err
			}

			disResult, err := disasm.Run(img)
			if err != nil {
				return err
			}

			relResult := reloc.Run(disResult.Listing(), img, img.Imports)
			fmt.Fprintf(os.Stderr, "compile: opt-level %d, %d/%d references fixed\n",
				optLevel, relResult.Stats.FixedCalls+relResult.Stats.FixedData, relResult.Stats.Total)

			prog, err := asmx86.Assemble(relResult.Listing, asmx86.Options{
				TextBase: uint64(img.EntryPointRVA) &^ 0xFFF,
				DataBase: 0x20000,
			})
			if err != nil {
				return err
			}

			out, autoFixes, err := pebuild.Reassemble(img, prog.Code, pebuild.ReassembleOptions{
				RecomputeChecksum: true,
			})
			if err != nil {
				return err
			}
			for _, fix := range autoFixes {
				fmt.Fprintf(os.Stderr, "compile: auto-fix: %s\n", fix)
			}

			if outputPath == "" {
				outputPath = args[0] + opts.config.OutputSuffix
			}
			return os.WriteFile(outputPath, out, 0o755)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output PE path")
	return cmd
}
