package irutil

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
)

// FindFunc returns the function of m with the given name, or nil if not
// present.
func FindFunc(m *ir.Module, name string) *ir.Func {
	for _, f := range m.Funcs {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// FindGlobal returns the global variable of m with the given name, or nil if
// not present.
func FindGlobal(m *ir.Module, name string) *ir.Global {
	for _, g := range m.Globals {
		if g.Name() == name {
			return g
		}
	}
	return nil
}

// FirstDef returns the first function definition of m, or nil if m contains
// no function definitions.
func FirstDef(m *ir.Module) *ir.Func {
	for _, f := range m.Funcs {
		if len(f.Blocks) > 0 {
			return f
		}
	}
	return nil
}

// Renumber resets the IDs of the unnamed local variables of f (function
// parameters, basic blocks and instructions) and assigns new IDs in order of
// occurrence. Renumber is required after instructions have been inserted or
// erased, as the IDs assigned when parsing are no longer consecutive.
func Renumber(f *ir.Func) error {
	type local interface {
		IsUnnamed() bool
		SetID(id int64)
	}
	reset := func(v interface{}) {
		if l, ok := v.(local); ok && l.IsUnnamed() {
			l.SetID(0)
		}
	}
	for _, param := range f.Params {
		reset(param)
	}
	for _, block := range f.Blocks {
		reset(block)
		for _, inst := range block.Insts {
			reset(inst)
		}
		reset(block.Term)
	}
	if err := f.AssignIDs(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// RefersTo reports whether the constant c is v or a constant expression
// derived from v.
func RefersTo(c constant.Constant, v value.Value) bool {
	if c == nil {
		return false
	}
	if value.Value(c) == v {
		return true
	}
	switch c := c.(type) {
	case *constant.ExprBitCast:
		return RefersTo(c.From, v)
	case *constant.ExprGetElementPtr:
		return RefersTo(c.Src, v)
	case *constant.ExprIntToPtr:
		return RefersTo(c.From, v)
	case *constant.ExprPtrToInt:
		return RefersTo(c.From, v)
	}
	return false
}

// LowerConstExprs replaces every constant expression operand of f that refers
// to v with equivalent instructions inserted immediately before the user, so
// that v may later be replaced by a non-constant value.
func LowerConstExprs(f *ir.Func, v value.Value) error {
	for _, block := range f.Blocks {
		// Iterate over a copy, as lowering inserts instructions.
		insts := append([]ir.Instruction{}, block.Insts...)
		for _, inst := range insts {
			if _, ok := inst.(*ir.InstPhi); ok {
				continue
			}
			for _, op := range Operands(inst) {
				c, ok := (*op).(constant.Constant)
				if !ok || value.Value(c) == v || !RefersTo(c, v) {
					continue
				}
				var pre []ir.Instruction
				lowered, err := lowerConstExpr(c, v, &pre)
				if err != nil {
					return errors.WithStack(err)
				}
				InsertBefore(block, inst, pre...)
				*op = lowered
			}
		}
	}
	return nil
}

// lowerConstExpr lowers the constant expression c to instructions, appending
// them to pre. Sub-expressions not referring to v are kept as constants.
func lowerConstExpr(c constant.Constant, v value.Value, pre *[]ir.Instruction) (value.Value, error) {
	if !RefersTo(c, v) || value.Value(c) == v {
		return c, nil
	}
	switch c := c.(type) {
	case *constant.ExprBitCast:
		from, err := lowerConstExpr(c.From, v, pre)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		inst := ir.NewBitCast(from, c.To)
		*pre = append(*pre, inst)
		return inst, nil
	case *constant.ExprGetElementPtr:
		src, err := lowerConstExpr(c.Src, v, pre)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		var indices []value.Value
		for _, index := range c.Indices {
			indices = append(indices, index)
		}
		inst := ir.NewGetElementPtr(c.ElemType, src, indices...)
		inst.InBounds = c.InBounds
		*pre = append(*pre, inst)
		return inst, nil
	case *constant.ExprPtrToInt:
		from, err := lowerConstExpr(c.From, v, pre)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		inst := ir.NewPtrToInt(from, c.To)
		*pre = append(*pre, inst)
		return inst, nil
	default:
		return nil, errors.Errorf("support for constant expression %T not yet implemented; unable to lower %v", c, c.Ident())
	}
}

// RenumberModule renumbers the unnamed local variables of every function
// definition of m.
func RenumberModule(m *ir.Module) error {
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			continue
		}
		if err := Renumber(f); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
