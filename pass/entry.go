package pass

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/liftnorm/irutil"
)

// FinalizeEntry rebuilds f as the zero-argument canonical entry function with
// the given name. The parameters of f are removed and every return is
// replaced by a void return; unused phi instructions are removed.
//
// Remaining uses of an integer program counter parameter are replaced by a
// read of the canonical program counter at function entry; remaining uses of
// other parameters are replaced by undef.
func FinalizeEntry(m *ir.Module, f *ir.Func, set *StateSet, name string) error {
	if other := irutil.FindFunc(m, name); other != nil && other != f {
		return malformedf("canonical entry function name %q already taken by %s", name, other.Ident())
	}
	if len(f.Blocks) == 0 {
		return malformedf("function %s has no body", f.Ident())
	}
	for _, block := range f.Blocks {
		if _, ok := block.Term.(*ir.TermRet); ok {
			block.Term = ir.NewRet(nil)
		}
	}
	// Phi instructions merging the returned values are now unused.
	for _, block := range f.Blocks {
		for _, inst := range append([]ir.Instruction{}, block.Insts...) {
			if phi, ok := inst.(*ir.InstPhi); ok && !irutil.HasUses(f, phi) {
				irutil.Erase(block, phi)
			}
		}
	}
	for i, param := range f.Params {
		if !irutil.HasUses(f, param) {
			continue
		}
		if i == pcParam && types.Equal(param.Typ, types.I64) && len(f.Params) == numParams {
			load := ir.NewLoad(types.I64, set.PC())
			markNoundef(load)
			entry := f.Blocks[0]
			entry.Insts = append([]ir.Instruction{load}, entry.Insts...)
			irutil.ReplaceAllUses(f, param, load)
			continue
		}
		warn.Printf("parameter %s of %s still in use; replaced by undef", param.Ident(), f.Ident())
		irutil.ReplaceAllUses(f, param, constant.NewUndef(param.Typ))
	}
	f.Params = nil
	f.Sig = types.NewFunc(types.Void)
	f.Typ = types.NewPointer(f.Sig)
	f.ReturnAttrs = nil
	if f.Name() != name {
		dbg.Printf("renamed %s to @%s", f.Ident(), name)
		f.SetName(name)
	}
	// Existing calls of f elsewhere refer to the old signature.
	for _, use := range irutil.ModuleUses(m, f) {
		warn.Printf("canonical entry function %s used by %s", f.Ident(), describe(use.User))
	}
	return nil
}
