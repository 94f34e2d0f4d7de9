package pass

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/pkg/errors"
)

// RemoveMarker removes the capstone scaffolding global with the given name
// from m, together with every instruction using it.
func RemoveMarker(m *ir.Module, name string) error {
	g := irutil.FindGlobal(m, name)
	if g == nil {
		return nil
	}
	if err := checkConstUses(m, g); err != nil {
		return errors.WithStack(err)
	}
	for _, use := range irutil.ModuleUses(m, g) {
		inst := use.Inst()
		if inst == nil {
			return malformedf("scaffolding global %s used by terminator %s", g.Ident(), describe(use.User))
		}
		if v, ok := inst.(value.Value); ok {
			for _, f := range m.Funcs {
				if irutil.HasUses(f, v) {
					return malformedf("unable to remove %s; result still in use", describe(inst))
				}
			}
		}
		dbg.Printf("deleting: %s", describe(inst))
		irutil.Erase(use.Block, inst)
	}
	var globals []*ir.Global
	for _, other := range m.Globals {
		if other != g {
			globals = append(globals, other)
		}
	}
	m.Globals = globals
	return nil
}

// checkConstUses reports an error if g is used by a constant expression, either
// as an instruction operand or in the initializer of another global variable.
func checkConstUses(m *ir.Module, g *ir.Global) error {
	for _, other := range m.Globals {
		if other != g && irutil.RefersTo(other.Init, g) {
			return malformedf("scaffolding global %s used by initializer of %s", g.Ident(), other.Ident())
		}
	}
	for _, f := range m.Funcs {
		for _, block := range f.Blocks {
			for _, inst := range block.Insts {
				if refersThroughExpr(inst, g) {
					return malformedf("scaffolding global %s used by constant expression in %s", g.Ident(), describe(inst))
				}
			}
			if refersThroughExpr(block.Term, g) {
				return malformedf("scaffolding global %s used by constant expression in %s", g.Ident(), describe(block.Term))
			}
		}
	}
	return nil
}

// refersThroughExpr reports whether an operand of inst is a constant expression
// derived from g.
func refersThroughExpr(inst interface{}, g *ir.Global) bool {
	for _, op := range irutil.Operands(inst) {
		c, ok := (*op).(constant.Constant)
		if ok && value.Value(c) != g && irutil.RefersTo(c, g) {
			return true
		}
	}
	return false
}

// DefineRemillStubs gives bodies to the declared helpers of the remill runtime
// that the lifted code depends on; every flag computation helper returns its
// first argument, and the missing-successor stub returns undef.
func DefineRemillStubs(m *ir.Module, cfg Config) error {
	for _, name := range cfg.FlagStubs {
		f := irutil.FindFunc(m, name)
		if f == nil || len(f.Blocks) > 0 {
			continue
		}
		if len(f.Params) == 0 || !types.Equal(f.Params[0].Typ, f.Sig.RetType) {
			return malformedf("invalid signature of flag computation helper %s; %v", f.Ident(), f.Sig)
		}
		f.NewBlock("").NewRet(f.Params[0])
	}
	if f := irutil.FindFunc(m, cfg.MissingBlock); f != nil && len(f.Blocks) == 0 {
		entry := f.NewBlock("")
		if types.Equal(f.Sig.RetType, types.Void) {
			entry.NewRet(nil)
		} else {
			entry.NewRet(constant.NewUndef(f.Sig.RetType))
		}
	}
	return nil
}

// ForceInline marks every function definition of m for inlining; optnone and
// noinline are removed and alwaysinline is added.
func ForceInline(m *ir.Module) {
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			continue
		}
		removeFuncAttrs(f, enum.FuncAttrOptNone, enum.FuncAttrNoInline)
		addFuncAttrs(f, enum.FuncAttrAlwaysInline)
	}
}

// ### [ Helper functions ] ####################################################

// addFuncAttrs adds the given function attributes to f, unless already
// present.
func addFuncAttrs(f *ir.Func, attrs ...enum.FuncAttr) {
	for _, attr := range attrs {
		if !hasFuncAttr(f, attr) {
			f.FuncAttrs = append(f.FuncAttrs, attr)
		}
	}
}

// hasFuncAttr reports whether f has the given function attribute.
func hasFuncAttr(f *ir.Func, attr enum.FuncAttr) bool {
	for _, a := range f.FuncAttrs {
		if a, ok := a.(enum.FuncAttr); ok && a == attr {
			return true
		}
	}
	return false
}

// removeFuncAttrs removes the given function attributes from f.
//
// Attribute groups containing any of the attributes are expanded in place, as
// they may be shared with other functions.
func removeFuncAttrs(f *ir.Func, attrs ...enum.FuncAttr) {
	f.FuncAttrs = filterFuncAttrs(f.FuncAttrs, attrs)
}

// filterFuncAttrs returns the function attributes of list without the given
// attributes.
func filterFuncAttrs(list []ir.FuncAttribute, attrs []enum.FuncAttr) []ir.FuncAttribute {
	var kept []ir.FuncAttribute
	for _, a := range list {
		switch a := a.(type) {
		case enum.FuncAttr:
			if containsAttr(attrs, a) {
				continue
			}
		case *ir.AttrGroupDef:
			if groupHasAttr(a, attrs) {
				kept = append(kept, filterFuncAttrs(a.FuncAttrs, attrs)...)
				continue
			}
		}
		kept = append(kept, a)
	}
	return kept
}

// containsAttr reports whether attrs contains attr.
func containsAttr(attrs []enum.FuncAttr, attr enum.FuncAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// groupHasAttr reports whether the attribute group contains any of the given
// attributes.
func groupHasAttr(group *ir.AttrGroupDef, attrs []enum.FuncAttr) bool {
	for _, a := range group.FuncAttrs {
		switch a := a.(type) {
		case enum.FuncAttr:
			if containsAttr(attrs, a) {
				return true
			}
		case *ir.AttrGroupDef:
			if groupHasAttr(a, attrs) {
				return true
			}
		}
	}
	return false
}
