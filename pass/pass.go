// Package pass normalizes the LLVM IR output of binary lifting front ends into
// one canonical architectural register and memory model.
//
// A run transforms one module in place through the following stages:
//
//	1. global-state synthesis   (canonical X0..SP globals, backend accesses redirected)
//	2. access correction        (width and sub-register mismatches repaired)
//	3. memory externalization   (load_N/store_N abstract memory primitives)
//	4. control-flow             (single exit, PC advance, branch primitives)
//	5. entry-point finalization (zero-argument canonical entry function)
package pass

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/liftnorm/bin"
	"github.com/mewmew/liftnorm/state"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "pass:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("pass:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of debug messages.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// Backend is a lifting front end whose output is normalized.
type Backend uint8

// Backends.
const (
	// Disassembly-driven backend (capstone2llvmir); flattened register names.
	Capstone Backend = iota + 1
	// Semantics-driven backend (remill); offset paths into the state structure.
	Remill
	// ASL semantics backend; state already held in canonical globals.
	ASL
)

// backendNames maps from backend to backend name.
var backendNames = map[Backend]string{
	Capstone: "capstone",
	Remill:   "remill",
	ASL:      "asl",
}

// Backends returns the names of the supported backends.
func Backends() []string {
	return []string{"capstone", "remill", "asl"}
}

// ParseBackend returns the backend with the given name.
func ParseBackend(name string) (Backend, error) {
	for backend, s := range backendNames {
		if s == name {
			return backend, nil
		}
	}
	return 0, errors.Errorf("invalid backend %q; expected one of %v", name, Backends())
}

// String returns the name of the backend.
func (backend Backend) String() string {
	if s, ok := backendNames[backend]; ok {
		return s
	}
	return fmt.Sprintf("Backend(%d)", uint8(backend))
}

// advancesPC reports whether the backend leaves the program counter untouched
// between instructions, requiring the pipeline to advance it.
func (backend Backend) advancesPC() bool {
	return backend == Capstone
}

// Config specifies the names and constants relied on by the pipeline.
type Config struct {
	// Name of the canonical entry function.
	Entry string `json:"entry"`
	// Instruction stride in bytes.
	Stride int64 `json:"stride"`
	// Name of the conditional branch primitive; branch_cond(i1 cond, i64 target).
	BranchCond string `json:"branch_cond"`
	// Name of the branch primitive; branch(i64 target).
	Branch string `json:"branch"`
	// Name of the return primitive; return(i64 target).
	Return string `json:"return"`
	// Name of the capstone scaffolding global.
	Marker string `json:"marker"`
	// Name of the remill missing-successor stub.
	MissingBlock string `json:"missing_block"`
	// Names of the remill flag computation helpers.
	FlagStubs []string `json:"flag_stubs"`
	// General purpose register holding the return address.
	ReturnSlot int `json:"return_slot"`
	// Entry address of the lifted function to normalize (e.g. "0x400a3c"
	// selects @sub_400a3c); zero selects the first function definition.
	// Ignored by the ASL backend.
	EntryAddr bin.Addr `json:"entry_addr"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Entry:        "root",
		Stride:       4,
		BranchCond:   "capstone_branch_cond",
		Branch:       "capstone_branch",
		Return:       "capstone_return",
		Marker:       "capstone_asm2llvm",
		MissingBlock: "__remill_missing_block",
		FlagStubs: []string{
			"__remill_flag_computation_sign",
			"__remill_flag_computation_zero",
			"__remill_flag_computation_overflow",
		},
		ReturnSlot: 30,
	}
}

// validate reports an error if the configuration is unusable.
func (cfg Config) validate() error {
	if cfg.Entry == "" {
		return errors.New("invalid configuration; empty entry function name")
	}
	if cfg.Stride <= 0 {
		return errors.Errorf("invalid configuration; instruction stride %d not positive", cfg.Stride)
	}
	if cfg.ReturnSlot < 0 || cfg.ReturnSlot >= state.NumX {
		return errors.Errorf("invalid configuration; return slot X%d out of range", cfg.ReturnSlot)
	}
	return nil
}
