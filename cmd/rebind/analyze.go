package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xyproto/rebind/internal/peformat"
	"github.com/xyproto/rebind/internal/rebinderr"
)

func newAnalyzeCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <pe-path>",
		Short: "Print PE header info, sections, imports, exports, and rich header",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			img, err := loadImage(args[0])
			if err != nil {
				return err
			}
			printAnalysis(os.Stdout, img)
			return nil
		},
	}
}

func loadImage(path string) (*peformat.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &rebinderr.InputError{Path: path, Reason: err.Error()}
	}
	img, err := peformat.Parse(raw)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func printAnalysis(w *os.File, img *peformat.Image) {
	bitness := "PE32"
	if img.Is64Bit {
		bitness = "PE32+"
	}
	fmt.Fprintf(w, "format: %s\n", bitness)
	fmt.Fprintf(w, "image_base: 0x%x\n", img.ImageBase)
	fmt.Fprintf(w, "entry_point_rva: 0x%x\n", img.EntryPointRVA)
	fmt.Fprintf(w, "size_of_headers: 0x%x\n", img.SizeOfHeaders)

	fmt.Fprintf(w, "\nsections (%d):\n", len(img.Sections))
	for _, s := range img.Sections {
		fmt.Fprintf(w, "  %-8s va=0x%-8x vs=0x%-8x raw_off=0x%-8x raw_sz=0x%-8x exec=%v write=%v\n",
			s.Name, s.VirtualAddress, s.VirtualSize, s.RawOffset, s.RawSize, s.IsExecutable(), s.IsWritable())
	}

	fmt.Fprintf(w, "\nimports (%d):\n", len(img.Imports))
	for _, imp := range img.Imports {
		fmt.Fprintf(w, "  %s!%s\n", imp.DLL, imp.Name)
	}

	if len(img.Exports) > 0 {
		fmt.Fprintf(w, "\nexports (%d):\n", len(img.Exports))
		for _, exp := range img.Exports {
			fmt.Fprintf(w, "  %s ordinal=%d rva=0x%x\n", exp.Name, exp.Ordinal, exp.RVA)
		}
	}

	if len(img.RichRecords) > 0 {
		fmt.Fprintf(w, "\nrich header (%d records):\n", len(img.RichRecords))
		for _, r := range img.RichRecords {
			fmt.Fprintf(w, "  product=0x%x build=0x%x uses=%d\n", r.ProductID, r.BuildID, r.UseCount)
		}
	}
}
