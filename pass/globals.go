package pass

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/liftnorm/discrim"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/mewmew/liftnorm/state"
	"github.com/pkg/errors"
)

// StateSet is the canonical state of one module; one zero-initialized global
// variable per canonical register.
type StateSet struct {
	// Canonical registers in canonical order.
	regs []state.Reg
	// Maps from canonical register to global variable.
	globals map[state.Reg]*ir.Global
	// Maps from global variable to canonical register.
	regFromGlobal map[*ir.Global]state.Reg
}

// NewStateSet allocates the canonical state of m. Global variables of m
// already carrying a canonical register name are adopted, provided they have
// the register type.
func NewStateSet(m *ir.Module) (*StateSet, error) {
	set := &StateSet{
		regs:          state.Generate(),
		globals:       make(map[state.Reg]*ir.Global),
		regFromGlobal: make(map[*ir.Global]state.Reg),
	}
	for _, g := range m.Globals {
		reg, ok := state.ParseName(g.Name())
		if !ok {
			continue
		}
		if typ := reg.Type(); !types.Equal(g.ContentType, typ) {
			return nil, malformedf("type mismatch of register global %s; expected %v, got %v", g.Ident(), typ, g.ContentType)
		}
		set.globals[reg] = g
		set.regFromGlobal[g] = reg
	}
	adopted := len(set.globals)
	for _, reg := range set.regs {
		if _, ok := set.globals[reg]; ok {
			continue
		}
		g := m.NewGlobalDef(reg.Name(), constant.NewInt(reg.Type(), 0))
		set.globals[reg] = g
		set.regFromGlobal[g] = reg
	}
	dbg.Printf("state set: %d registers (%d adopted)", len(set.regs), adopted)
	return set, nil
}

// Regs returns the canonical registers in canonical order.
func (set *StateSet) Regs() []state.Reg {
	return set.regs
}

// Global returns the global variable of the given canonical register.
func (set *StateSet) Global(reg state.Reg) *ir.Global {
	g, ok := set.globals[reg]
	if !ok {
		panic(errors.Errorf("unable to locate global variable of register %v", reg))
	}
	return g
}

// Reg returns the canonical register stored in v, and reports whether v is a
// global variable of the canonical state.
func (set *StateSet) Reg(v value.Value) (state.Reg, bool) {
	g, ok := v.(*ir.Global)
	if !ok {
		return state.Reg{}, false
	}
	reg, ok := set.regFromGlobal[g]
	return reg, ok
}

// PC returns the global variable of the program counter.
func (set *StateSet) PC() *ir.Global {
	return set.Global(state.PC)
}

// ### [ Flattened-name backends ] #############################################

// InternaliseGlobals converts every global variable of m into a local variable
// of f with the same name, allocated at the start of the entry basic block of
// f. The global variables are removed from m.
//
// Pre-condition: the global variables of m are only used by f.
func InternaliseGlobals(m *ir.Module, f *ir.Func) ([]*ir.InstAlloca, error) {
	if len(f.Blocks) == 0 {
		return nil, malformedf("function %s has no body", f.Ident())
	}
	entry := f.Blocks[0]
	var allocas []*ir.InstAlloca
	for _, g := range m.Globals {
		for _, other := range m.Funcs {
			if other != f && irutil.HasUses(other, g) {
				return nil, malformedf("global variable %s used outside of function %s (in %s)", g.Ident(), f.Ident(), other.Ident())
			}
		}
		if err := irutil.LowerConstExprs(f, g); err != nil {
			return nil, errors.WithStack(err)
		}
		alloca := ir.NewAlloca(g.ContentType)
		alloca.SetName(g.Name())
		allocas = append(allocas, alloca)
		irutil.ReplaceAllUses(f, g, alloca)
	}
	var insts []ir.Instruction
	for _, alloca := range allocas {
		insts = append(insts, alloca)
	}
	entry.Insts = append(insts, entry.Insts...)
	m.Globals = nil
	dbg.Printf("internalised %d global variables into %s", len(allocas), f.Ident())
	return allocas, nil
}

// RedirectNamed redirects the accesses of f to the given flattened-name
// storage cells onto the canonical state.
//
// Unused cells are removed. Unresolved cells with at most one use that is
// itself dead are removed as unreachable scaffolding; any other unresolved
// cell is an unsupported access.
func RedirectNamed(f *ir.Func, cells []*ir.InstAlloca, set *StateSet, disc discrim.Discriminator) error {
	for _, cell := range cells {
		uses := irutil.Uses(f, cell)
		if len(uses) == 0 {
			irutil.EraseFromFunc(f, cell)
			continue
		}
		acc := discrim.Access{Name: cell.Name()}
		reg, ok, err := disc.Discriminate(acc)
		if err != nil {
			return unsupported(acc.String(), err)
		}
		if !ok {
			if len(uses) == 1 && isDeadCellUse(f, cell, uses[0]) {
				dbg.Printf("dropped unreachable cell %s", cell.Ident())
				irutil.Erase(uses[0].Block, uses[0].Inst())
				irutil.EraseFromFunc(f, cell)
				continue
			}
			return unsupportedf(acc.String(), "unable to resolve storage cell %s with %d uses", cell.Ident(), len(uses))
		}
		g := set.Global(reg)
		if !types.Equal(cell.ElemType, g.ContentType) {
			dbg.Printf("cell %s of type %v aliases %v of type %v", cell.Ident(), cell.ElemType, reg, g.ContentType)
		}
		irutil.ReplaceAllUses(f, cell, g)
		irutil.EraseFromFunc(f, cell)
	}
	return nil
}

// isDeadCellUse reports whether the given use of the storage cell is dead; a
// write of a non-pointer value into the cell, or an unused read of it.
func isDeadCellUse(f *ir.Func, cell *ir.InstAlloca, use *irutil.Use) bool {
	inst := use.Inst()
	if inst == nil {
		return false
	}
	if store, ok := inst.(*ir.InstStore); ok {
		_, isPtr := store.Src.Type().(*types.PointerType)
		return store.Dst == cell && !isPtr
	}
	return irutil.IsDead(f, inst)
}

// ### [ Structured-offset backends ] ##########################################

// Parameter layout of functions lifted by structured-offset backends;
// (state, pc, memory).
const (
	stateParam  = 0
	pcParam     = 1
	memoryParam = 2
	numParams   = 3
)

// RedirectOffsets redirects the accesses of f through its aggregate state
// parameter onto the canonical state.
//
// Stashes of the state parameter into a shadow local variable are removed
// together with the shadow variable. Every other use of the state parameter
// must be an offset path with constant indices.
func RedirectOffsets(f *ir.Func, set *StateSet, disc discrim.Discriminator) error {
	if len(f.Params) != numParams {
		return malformedf("invalid number of parameters of function %s; expected %d, got %d", f.Ident(), numParams, len(f.Params))
	}
	param := f.Params[stateParam]
	if param.Name() != "state" {
		return malformedf("invalid state parameter of function %s; expected %%state, got %s", f.Ident(), param.Ident())
	}
	for _, use := range irutil.Uses(f, param) {
		switch inst := use.User.(type) {
		case *ir.InstStore:
			if err := removeStash(f, use.Block, inst, param); err != nil {
				return errors.WithStack(err)
			}
		case *ir.InstGetElementPtr:
			if err := redirectPath(f, use.Block, inst, set, disc); err != nil {
				return errors.WithStack(err)
			}
		case *ir.InstCall:
			// Calls receive the state along with the program counter and
			// memory; the parameter is dropped when the entry point is
			// finalized.
			dbg.Printf("state passed to call %s", describe(inst))
		default:
			return unsupportedf(describe(use.User), "unsupported use of state parameter %s", param.Ident())
		}
	}
	return nil
}

// removeStash removes the store of the state parameter into a shadow local
// variable, and the shadow variable itself.
func removeStash(f *ir.Func, block *ir.Block, store *ir.InstStore, param *ir.Param) error {
	if store.Src != param {
		return unsupportedf(describe(store), "state parameter %s used as store destination", param.Ident())
	}
	shadow, ok := store.Dst.(*ir.InstAlloca)
	if !ok {
		return unsupportedf(describe(store), "state parameter %s stored to non-local destination", param.Ident())
	}
	irutil.Erase(block, store)
	if irutil.HasUses(f, shadow) {
		return malformedf("shadow variable %s of state parameter still in use", shadow.Ident())
	}
	irutil.EraseFromFunc(f, shadow)
	dbg.Printf("removed state stash %s", shadow.Ident())
	return nil
}

// redirectPath redirects the offset path gep into the aggregate state onto the
// canonical state.
func redirectPath(f *ir.Func, block *ir.Block, gep *ir.InstGetElementPtr, set *StateSet, disc discrim.Discriminator) error {
	var path []int64
	for _, index := range gep.Indices {
		c, ok := index.(*constant.Int)
		if !ok {
			return unsupportedf(describe(gep), "non-constant index %v in state path", index.Ident())
		}
		path = append(path, c.X.Int64())
	}
	acc := discrim.Access{Path: path}
	reg, ok, err := disc.Discriminate(acc)
	if err != nil {
		return unsupported(describe(gep), err)
	}
	if !ok {
		return unsupportedf(describe(gep), "unable to resolve state path %v", acc)
	}
	var target value.Value = set.Global(reg)
	// A vector lane beyond the first is a sub-field view of the register.
	if lane, ok := discrim.VectorLane(path); ok && lane != 0 {
		elemType := gepElemType(gep)
		if elemType == nil {
			return unsupportedf(describe(gep), "unable to determine lane type of state path %v", acc)
		}
		view := ir.NewGetElementPtr(elemType, target, constant.NewInt(types.I64, lane))
		irutil.InsertBefore(block, gep, view)
		target = view
	}
	irutil.ReplaceAllUses(f, gep, target)
	irutil.Erase(block, gep)
	return nil
}

// ### [ Helper functions ] ####################################################

// gepElemType returns the element type pointed to by the result of gep, or nil
// if unknown.
func gepElemType(gep *ir.InstGetElementPtr) types.Type {
	if t, ok := gep.Type().(*types.PointerType); ok {
		return t.ElemType
	}
	return nil
}
