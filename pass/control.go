package pass

import (
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/liftnorm/bin"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/mewmew/liftnorm/state"
	"github.com/pkg/errors"
)

// CanonicalizeControlFlow canonicalizes the control flow of f; a single return
// point, uniform branch primitives and program counter bookkeeping.
//
// Running CanonicalizeControlFlow on an already canonical function leaves it
// unchanged.
func CanonicalizeControlFlow(m *ir.Module, f *ir.Func, set *StateSet, backend Backend, cfg Config) error {
	if backend == Remill {
		if n := CollapseMissingBlocks(f, cfg.MissingBlock); n > 0 {
			dbg.Printf("collapsed %d missing block tail calls in %s", n, f.Ident())
		}
		SetReturnSlots(f, set, cfg.ReturnSlot)
	}
	exit, err := UniqueReturn(f)
	if err != nil {
		return errors.WithStack(err)
	}
	if backend.advancesPC() {
		AdvancePC(exit, set, cfg.Stride)
	}
	if backend == Capstone {
		if err := DefineBranchPrimitives(m, set, cfg); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// UniqueReturn returns the single return block of f. If f has more than one
// return point, a new exit block is synthesized and every return is redirected
// to branch to it.
func UniqueReturn(f *ir.Func) (*ir.Block, error) {
	var rets []*ir.Block
	for _, block := range f.Blocks {
		if _, ok := block.Term.(*ir.TermRet); ok {
			rets = append(rets, block)
		}
	}
	switch len(rets) {
	case 0:
		return nil, malformedf("no return in function %s", f.Ident())
	case 1:
		return rets[0], nil
	}
	exit := f.NewBlock("")
	if types.Equal(f.Sig.RetType, types.Void) {
		exit.NewRet(nil)
	} else {
		var incs []*ir.Incoming
		for _, block := range rets {
			ret := block.Term.(*ir.TermRet)
			incs = append(incs, ir.NewIncoming(ret.X, block))
		}
		phi := exit.NewPhi(incs...)
		exit.NewRet(phi)
	}
	for _, block := range rets {
		block.Term = ir.NewBr(exit)
	}
	dbg.Printf("unified %d returns of %s", len(rets), f.Ident())
	return exit, nil
}

// AdvancePC advances the program counter by the instruction stride at the end
// of the given exit block, unless already advanced. AdvancePC reports whether
// the exit block was changed.
func AdvancePC(exit *ir.Block, set *StateSet, stride int64) bool {
	pc := set.PC()
	if pcAdvanced(exit, pc, stride) {
		return false
	}
	load := ir.NewLoad(types.I64, pc)
	markNoundef(load)
	add := ir.NewAdd(load, constant.NewInt(types.I64, stride))
	store := ir.NewStore(add, pc)
	exit.Insts = append(exit.Insts, load, add, store)
	return true
}

// pcAdvanced reports whether the given exit block ends with the program
// counter advance; PC := PC + stride.
func pcAdvanced(exit *ir.Block, pc *ir.Global, stride int64) bool {
	store, ok := irutil.Last(exit).(*ir.InstStore)
	if !ok || store.Dst != pc {
		return false
	}
	add, ok := store.Src.(*ir.InstAdd)
	if !ok {
		return false
	}
	load, ok := add.X.(*ir.InstLoad)
	if !ok || load.Src != pc {
		return false
	}
	c, ok := add.Y.(*constant.Int)
	return ok && c.X.IsInt64() && c.X.Int64() == stride
}

// DefineBranchPrimitives defines the bodies of the control-transfer primitives
// in terms of the canonical program counter, declaring them if not present.
//
//	branch_cond(cond, target): PC := cond ? target - stride : PC
//	branch(target):            branch_cond(true, target)
//	return(target):            branch(target)
//
// The stride compensates for the fallthrough advance of the program counter,
// so a taken branch lands exactly on target.
func DefineBranchPrimitives(m *ir.Module, set *StateSet, cfg Config) error {
	cond, err := branchPrimitive(m, cfg.BranchCond, types.I1, types.I64)
	if err != nil {
		return errors.WithStack(err)
	}
	branch, err := branchPrimitive(m, cfg.Branch, types.I64)
	if err != nil {
		return errors.WithStack(err)
	}
	ret, err := branchPrimitive(m, cfg.Return, types.I64)
	if err != nil {
		return errors.WithStack(err)
	}
	pc := set.PC()
	if len(cond.Blocks) == 0 {
		entry := cond.NewBlock("")
		taken := entry.NewSub(cond.Params[1], constant.NewInt(types.I64, cfg.Stride))
		cur := entry.NewLoad(types.I64, pc)
		markNoundef(cur)
		next := entry.NewSelect(cond.Params[0], taken, cur)
		entry.NewStore(next, pc)
		entry.NewRet(nil)
	}
	if len(branch.Blocks) == 0 {
		entry := branch.NewBlock("")
		entry.NewCall(cond, constant.NewBool(true), branch.Params[0])
		entry.NewRet(nil)
	}
	if len(ret.Blocks) == 0 {
		// A return is just a branch to a computed address.
		entry := ret.NewBlock("")
		entry.NewCall(branch, ret.Params[0])
		entry.NewRet(nil)
	}
	return nil
}

// branchPrimitive returns the control-transfer primitive of m with the given
// name and parameter types, declaring it if not present.
func branchPrimitive(m *ir.Module, name string, paramTypes ...types.Type) (*ir.Func, error) {
	f := irutil.FindFunc(m, name)
	if f == nil {
		var params []*ir.Param
		for _, paramType := range paramTypes {
			params = append(params, ir.NewParam("", paramType))
		}
		return m.NewFunc(name, types.Void, params...), nil
	}
	sig := types.NewFunc(types.Void, paramTypes...)
	if !types.Equal(f.Sig, sig) {
		return nil, malformedf("signature mismatch of branch primitive %s; expected %v, got %v", f.Ident(), sig, f.Sig)
	}
	return f, nil
}

// CollapseMissingBlocks collapses every call to the missing-successor stub of
// f immediately followed by a return into a bare return, and returns the
// number of collapsed calls.
func CollapseMissingBlocks(f *ir.Func, stub string) int {
	n := 0
	for _, block := range f.Blocks {
		ret, ok := block.Term.(*ir.TermRet)
		if !ok {
			continue
		}
		call, ok := irutil.Last(block).(*ir.InstCall)
		if !ok {
			continue
		}
		callee, ok := call.Callee.(*ir.Func)
		if !ok || callee.Name() != stub {
			continue
		}
		if !onlyUsedBy(f, call, ret) {
			continue
		}
		irutil.Erase(block, call)
		if ret.X == call {
			block.Term = ir.NewRet(constant.NewUndef(f.Sig.RetType))
		}
		n++
	}
	return n
}

// onlyUsedBy reports whether the given call of f is used by nothing but term.
func onlyUsedBy(f *ir.Func, call *ir.InstCall, term ir.Terminator) bool {
	for _, use := range irutil.Uses(f, call) {
		if use.User != term {
			return false
		}
	}
	return true
}

// SetReturnSlots stores the program counter into the return address register
// immediately before every direct call of f to a lifted subroutine, so that the
// epilogue of the callee resumes at the call site.
func SetReturnSlots(f *ir.Func, set *StateSet, slot int) {
	pc := set.PC()
	lr := set.Global(state.X(slot))
	var callees bin.Addrs
	for _, block := range f.Blocks {
		insts := append([]ir.Instruction{}, block.Insts...)
		for _, inst := range insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			callee, ok := call.Callee.(*ir.Func)
			if !ok {
				continue
			}
			addr, ok := bin.ParseFuncName(callee.Name())
			if !ok {
				continue
			}
			if prev, ok := irutil.Prev(block, call).(*ir.InstStore); ok && prev.Dst == lr {
				continue
			}
			load := ir.NewLoad(types.I64, pc)
			markNoundef(load)
			irutil.InsertBefore(block, call, load, ir.NewStore(load, lr))
			callees = append(callees, addr)
		}
	}
	if len(callees) > 0 {
		sort.Sort(callees)
		dbg.Printf("return address slot %v set for calls to %v", state.X(slot), callees)
	}
}
