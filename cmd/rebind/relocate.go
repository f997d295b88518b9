package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xyproto/rebind/internal/peformat"
	"github.com/xyproto/rebind/internal/reloc"
)

func newRelocateCommand(_ *rootOptions) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "relocate <asm-path> [source-pe-path]",
		Short: "Rewrite [rip ...] references in a listing into symbolic labels",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			listingBytes, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read listing: %w", err)
			}

			var src *peformat.Image
			var imports []peformat.Import
			if len(args) == 2 {
				src, err = loadImage(args[1])
				if err != nil {
					return err
				}
				imports = src.Imports
			}

			result := reloc.Run(string(listingBytes), src, imports)

			fmt.Fprintf(os.Stderr, "relocate: %d/%d references fixed (%d unfixed)\n",
				result.Stats.FixedCalls+result.Stats.FixedData, result.Stats.Total, result.Stats.Unfixed)

			if outputPath == "" {
				fmt.Print(result.Listing)
				return nil
			}
			return os.WriteFile(outputPath, []byte(result.Listing), 0o644)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the relocated listing here instead of stdout")
	return cmd
}
