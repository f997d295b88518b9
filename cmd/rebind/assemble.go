package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xyproto/rebind/internal/asmx86"
	"github.com/xyproto/rebind/internal/pebuild"
	"github.com/xyproto/rebind/internal/progress"
	"github.com/xyproto/rebind/internal/rebinderr"
)

const progressInterval = 2 * time.Second

// defaultImports is the minimal import set a freshly built PE needs to
// exit cleanly, mirroring the teacher's hardcoded msvcrt.dll import list
// in BuildPEImportData but generalized to kernel32's ExitProcess.
var defaultImports = pebuild.ImportSet{
	"kernel32.dll": {"ExitProcess"},
}

func newAssembleCommand(opts *rootOptions) *cobra.Command {
	var outputPath string
	var sourcePath string
	var recomputeChecksum bool

	cmd := &cobra.Command{
		Use:   "assemble <asm-path>",
		Short: "Assemble a listing into a PE binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &rebinderr.AssemblerError{Message: fmt.Sprintf("panic: %v", r), Kind: "internal"}
				}
			}()

			listingBytes, readErr := os.ReadFile(args[0])
			if readErr != nil {
				return &rebinderr.InputError{Path: args[0], Reason: readErr.Error()}
			}

			spin := progress.New(os.Stderr, "assembling", progressInterval)
			prog, asmErr := asmx86.Assemble(string(listingBytes), asmx86.Options{
				TextBase: 0x1000,
				DataBase: 0x20000,
			})
			spin.Stop()
			if asmErr != nil {
				return asmErr
			}

			var out []byte
			if sourcePath != "" {
				src, loadErr := loadImage(sourcePath)
				if loadErr != nil {
					return loadErr
				}
				out, _, err = pebuild.Reassemble(src, prog.Code, pebuild.ReassembleOptions{
					RecomputeChecksum: recomputeChecksum,
				})
			} else {
				out, err = pebuild.BuildFreshPE(prog, defaultImports)
			}
			if err != nil {
				return err
			}

			if outputPath == "" {
				outputPath = "out.exe"
			}
			return os.WriteFile(outputPath, out, 0o755)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output PE path (default out.exe)")
	cmd.Flags().StringVar(&sourcePath, "source", "", "original PE to reassemble into (omit to build a fresh PE)")
	cmd.Flags().BoolVar(&recomputeChecksum, "checksum", false, "recompute the PE checksum after patching")
	return cmd
}
