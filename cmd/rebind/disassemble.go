package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xyproto/rebind/internal/disasm"
)

func newDisassembleCommand(_ *rootOptions) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "disassemble <pe-path>",
		Short: "Emit a disassembly listing for a PE binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			img, err := loadImage(args[0])
			if err != nil {
				return err
			}

			result, err := disasm.Run(img)
			if err != nil {
				return err
			}

			listing := result.Listing()
			if outputPath == "" {
				fmt.Print(listing)
				return nil
			}
			return os.WriteFile(outputPath, []byte(listing), 0o644)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the listing here instead of stdout")
	return cmd
}
