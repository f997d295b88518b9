// Command rebind is the CLI front end for the PE disassembly/relocation/
// reassembly pipeline (SPEC_FULL.md §6): analyze, disassemble, relocate,
// assemble, and compile subcommands dispatched via cobra, replacing the
// teacher's flat flag.String parsing in main.go. Grounded on
// davejbax/pixie's cmd/pixie/iso.go (cobra.Command{Use, Short, RunE} with
// StringVarP flags).
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/xyproto/rebind/internal/cliconfig"
	"github.com/xyproto/rebind/internal/rebinderr"
)

// exit codes per SPEC_FULL.md §6.
const (
	exitOK               = 0
	exitInputError       = 1
	exitAssemblerError   = 2
	exitReassemblerError = 3
)

// rootOptions carries state shared across every subcommand, the same
// pattern pixie's rootOptions threads into newISOCommand.
type rootOptions struct {
	config     *cliconfig.Config
	configPath string
	verbose    bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "rebind",
		Short:         "Disassemble, relocate, and reassemble Windows PE binaries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := cliconfig.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.config = cfg

			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML/TOML/JSON config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newAnalyzeCommand(opts),
		newDisassembleCommand(opts),
		newRelocateCommand(opts),
		newAssembleCommand(opts),
		newCompileCommand(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rebind:", err)
		return exitCodeFor(err)
	}
	return exitOK
}

// exitCodeFor maps the rebinderr taxonomy onto SPEC_FULL.md §6's exit
// codes; anything else (flag parsing, I/O) counts as an input error.
func exitCodeFor(err error) int {
	var inputErr *rebinderr.InputError
	var asmErr *rebinderr.AssemblerError
	var reasmErr *rebinderr.ReassemblerError

	switch {
	case errors.As(err, &inputErr):
		return exitInputError
	case errors.As(err, &asmErr):
		return exitAssemblerError
	case errors.As(err, &reasmErr):
		return exitReassemblerError
	default:
		return exitInputError
	}
}
