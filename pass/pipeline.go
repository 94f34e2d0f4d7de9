package pass

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/mewmew/liftnorm/bin"
	"github.com/mewmew/liftnorm/discrim"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/pkg/errors"
)

// Stage is the transformation stage of the function being normalized.
type Stage uint8

// Transformation stages, in order.
const (
	RawBackendForm Stage = iota
	StateRedirected
	WidthCorrected
	MemoryExternalized
	ControlFlowCanonical
	FinalEntryPoint
)

// String returns the string representation of the stage.
func (stage Stage) String() string {
	switch stage {
	case RawBackendForm:
		return "raw backend form"
	case StateRedirected:
		return "state redirected"
	case WidthCorrected:
		return "width corrected"
	case MemoryExternalized:
		return "memory externalized"
	case ControlFlowCanonical:
		return "control flow canonical"
	case FinalEntryPoint:
		return "final entry point"
	}
	return fmt.Sprintf("Stage(%d)", uint8(stage))
}

// Result is the outcome of a pipeline run.
type Result struct {
	// Canonical entry function.
	Entry *ir.Func
	// Canonical state of the module.
	State *StateSet
	// Stage reached by the entry function.
	Stage Stage
}

// normalizer is the state of one pipeline run over one module.
type normalizer struct {
	// Module being transformed.
	m *ir.Module
	// Backend which produced the module.
	backend Backend
	// Pipeline configuration.
	cfg Config

	// Function being transformed.
	f *ir.Func
	// Canonical state.
	set *StateSet
	// Current stage of f.
	stage Stage
}

// advance records the transition of the function being transformed to the
// given stage. Stages are only ever advanced, never revisited.
func (n *normalizer) advance(stage Stage) error {
	if stage <= n.stage {
		return errors.Errorf("invalid stage transition from %v to %v", n.stage, stage)
	}
	dbg.Printf("%s: %v -> %v", n.f.Ident(), n.stage, stage)
	n.stage = stage
	return nil
}

// Run normalizes the module m, as produced by the given backend, in place. A
// failed run leaves m partially transformed; the caller must discard it.
func Run(m *ir.Module, backend Backend, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	n := &normalizer{m: m, backend: backend, cfg: cfg}
	var err error
	switch backend {
	case Capstone:
		err = n.runCapstone()
	case Remill:
		err = n.runRemill()
	case ASL:
		err = n.runASL()
	default:
		return nil, errors.Errorf("support for backend %v not yet implemented", backend)
	}
	res := &Result{Entry: n.f, State: n.set, Stage: n.stage}
	if err != nil {
		return res, errors.WithStack(err)
	}
	return res, nil
}

// runCapstone normalizes the output of the flattened-name backend.
func (n *normalizer) runCapstone() error {
	if err := RemoveMarker(n.m, n.cfg.Marker); err != nil {
		return errors.WithStack(err)
	}
	var err error
	if n.f, err = n.liftedFunc(); err != nil {
		return errors.WithStack(err)
	}
	cells, err := InternaliseGlobals(n.m, n.f)
	if err != nil {
		return errors.WithStack(err)
	}
	if n.set, err = NewStateSet(n.m); err != nil {
		return errors.WithStack(err)
	}
	if err := RedirectNamed(n.f, cells, n.set, discrim.Names{}); err != nil {
		return errors.WithStack(err)
	}
	if err := n.advance(StateRedirected); err != nil {
		return errors.WithStack(err)
	}
	return n.finish()
}

// runRemill normalizes the output of the structured-offset backend.
func (n *normalizer) runRemill() error {
	var err error
	if n.f, err = n.liftedFunc(); err != nil {
		return errors.WithStack(err)
	}
	if err := DefineRemillStubs(n.m, n.cfg); err != nil {
		return errors.WithStack(err)
	}
	ForceInline(n.m)
	if n.set, err = NewStateSet(n.m); err != nil {
		return errors.WithStack(err)
	}
	if err := RedirectOffsets(n.f, n.set, discrim.Offsets{}); err != nil {
		return errors.WithStack(err)
	}
	if err := n.advance(StateRedirected); err != nil {
		return errors.WithStack(err)
	}
	return n.finish()
}

// liftedFunc returns the lifted function to normalize; the subroutine at the
// configured entry address, or the first function definition of the module.
func (n *normalizer) liftedFunc() (*ir.Func, error) {
	if n.cfg.EntryAddr == 0 {
		f := irutil.FirstDef(n.m)
		if f == nil {
			return nil, malformedf("no function definition in module")
		}
		return f, nil
	}
	name := bin.FuncName(n.cfg.EntryAddr)
	f := irutil.FindFunc(n.m, name)
	if f == nil || len(f.Blocks) == 0 {
		return nil, malformedf("unable to locate definition of lifted function @%s at address %v", name, n.cfg.EntryAddr)
	}
	return f, nil
}

// runASL normalizes the output of the ASL backend, whose state already lives
// in canonical globals.
func (n *normalizer) runASL() error {
	n.f = irutil.FindFunc(n.m, n.cfg.Entry)
	if n.f == nil || len(n.f.Blocks) == 0 {
		return malformedf("unable to locate definition of function @%s", n.cfg.Entry)
	}
	var err error
	if n.set, err = NewStateSet(n.m); err != nil {
		return errors.WithStack(err)
	}
	n.stage = StateRedirected
	if err := n.correct(); err != nil {
		return errors.WithStack(err)
	}
	return n.externalize()
}

// finish runs the backend-independent stages following state redirection.
func (n *normalizer) finish() error {
	if err := n.correct(); err != nil {
		return errors.WithStack(err)
	}
	if err := n.externalize(); err != nil {
		return errors.WithStack(err)
	}
	if err := CanonicalizeControlFlow(n.m, n.f, n.set, n.backend, n.cfg); err != nil {
		return errors.WithStack(err)
	}
	if err := n.advance(ControlFlowCanonical); err != nil {
		return errors.WithStack(err)
	}
	if err := FinalizeEntry(n.m, n.f, n.set, n.cfg.Entry); err != nil {
		return errors.WithStack(err)
	}
	return n.advance(FinalEntryPoint)
}

// correct runs the access corrector.
func (n *normalizer) correct() error {
	if err := CorrectAccesses(n.m, n.set); err != nil {
		return errors.WithStack(err)
	}
	return n.advance(WidthCorrected)
}

// externalize runs the memory externalizer.
func (n *normalizer) externalize() error {
	mem, err := NewMemory(n.m)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := ExternalizeMemory(n.m, mem); err != nil {
		return errors.WithStack(err)
	}
	return n.advance(MemoryExternalized)
}
