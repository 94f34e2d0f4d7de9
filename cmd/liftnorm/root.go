package main

import (
	"io"
	"io/ioutil"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/mewmew/liftnorm/bin"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/mewmew/liftnorm/pass"
	"github.com/mewmew/liftnorm/verify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// options holds the command line flags of the tool.
type options struct {
	// quiet specifies whether to suppress non-error messages.
	quiet bool
	// Path to the JSON pipeline configuration.
	configPath string
	// Output path; standard output if empty.
	outputPath string
	// Entry address of the lifted function to normalize.
	entryAddr bin.Addr
}

// newRootCommand returns the root command of the liftnorm tool.
func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "liftnorm [flags] <backend> [file.ll]",
		Short: "Normalize lifted LLVM IR into the canonical state model",
		Long: `Normalize the LLVM IR produced by a binary lifting front end into one
canonical architectural register and memory model.

Supported backends: capstone, remill, asl.

The input is read from standard input if no file is given, or if the file is "-".`,
		Args:          validateArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Arguments are valid; further errors are not usage errors.
			cmd.SilenceUsage = true
			return run(cmd, opts, args)
		},
	}
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress non-error messages")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "liftnorm.json", "JSON pipeline configuration")
	cmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "output path (default standard output)")
	cmd.Flags().VarP(&opts.entryAddr, "entry-addr", "e", "entry address of lifted function (default first function definition)")
	return cmd
}

// validateArgs validates the positional arguments of the root command.
func validateArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.RangeArgs(1, 2)(cmd, args); err != nil {
		return err
	}
	_, err := pass.ParseBackend(args[0])
	return err
}

// run normalizes the input module of the given backend.
func run(cmd *cobra.Command, opts *options, args []string) error {
	// Skip debug output if -q is set.
	if opts.quiet {
		dbg.SetOutput(ioutil.Discard)
		pass.SetDebugOutput(ioutil.Discard)
	}
	backend, err := pass.ParseBackend(args[0])
	if err != nil {
		return errors.WithStack(err)
	}
	cfg, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return errors.WithStack(err)
	}
	if cmd.Flags().Changed("entry-addr") {
		cfg.EntryAddr = opts.entryAddr
	}
	inputPath := "-"
	if len(args) > 1 {
		inputPath = args[1]
	}
	m, err := parseModule(inputPath, cmd.InOrStdin())
	if err != nil {
		return errors.WithStack(err)
	}
	dbg.Printf("normalizing %q (backend %v)", inputPath, backend)
	res, runErr := pass.Run(m, backend, cfg)
	if err := irutil.RenumberModule(m); err != nil {
		warn.Printf("%+v", err)
	}
	if err := writeModule(cmd, opts.outputPath, m); err != nil {
		return errors.WithStack(err)
	}
	if runErr != nil {
		if res != nil {
			return errors.Wrapf(runErr, "normalization failed at stage %q", res.Stage)
		}
		return errors.WithStack(runErr)
	}
	if err := verify.Module(m); err != nil {
		return errors.Wrap(err, "verification of normalized module failed")
	}
	dbg.Printf("entry function %s (stage %q)", res.Entry.Ident(), res.Stage)
	return nil
}

// parseModule parses the LLVM IR module of the given file, or of r if the
// path is "-".
func parseModule(path string, r io.Reader) (*ir.Module, error) {
	if path == "-" {
		buf, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		m, err := asm.ParseBytes("<stdin>", buf)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return m, nil
	}
	m, err := asm.ParseFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return m, nil
}

// writeModule writes the LLVM IR assembly of m to the given output path, or
// to the standard output of the command if the path is empty.
func writeModule(cmd *cobra.Command, outputPath string, m *ir.Module) error {
	if outputPath == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), m.String())
		return errors.WithStack(err)
	}
	if err := ioutil.WriteFile(outputPath, []byte(m.String()), 0644); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
