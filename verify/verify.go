// Package verify checks the consistency of LLVM IR modules.
//
// The checks cover the invariants the normalization passes may break when
// rewriting in place: dangling references to erased instructions, globals and
// functions, missing terminators, and type mismatches of memory accesses,
// returns, calls and integer operations. A module passing the structural
// checks is finally printed and re-parsed.
package verify

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/pkg/errors"
)

// Errors is a list of consistency errors.
type Errors []error

// Error implements the error interface.
func (es Errors) Error() string {
	var ss []string
	for _, e := range es {
		ss = append(ss, e.Error())
	}
	return strings.Join(ss, "\n")
}

// Module checks the consistency of m. The returned error, if any, is of type
// Errors.
func Module(m *ir.Module) error {
	c := &checker{
		m:       m,
		globals: make(map[value.Value]bool),
	}
	names := make(map[string]bool)
	for _, g := range m.Globals {
		c.globals[g] = true
		if names[g.Name()] {
			c.errorf("duplicate global name %s", g.Ident())
		}
		names[g.Name()] = true
	}
	for _, f := range m.Funcs {
		c.globals[f] = true
		if names[f.Name()] {
			c.errorf("duplicate global name %s", f.Ident())
		}
		names[f.Name()] = true
	}
	for _, f := range m.Funcs {
		c.checkFunc(f)
	}
	if len(c.errs) > 0 {
		return c.errs
	}
	if _, err := asm.ParseString("<verify>", m.String()); err != nil {
		return Errors{errors.Wrap(err, "unable to re-parse module")}
	}
	return nil
}

// checker records the consistency errors of a module.
type checker struct {
	// Module being checked.
	m *ir.Module
	// Global variables and functions of the module.
	globals map[value.Value]bool
	// Consistency errors.
	errs Errors
}

// errorf records a consistency error.
func (c *checker) errorf(format string, args ...interface{}) {
	c.errs = append(c.errs, errors.Errorf(format, args...))
}

// checkFunc checks the consistency of f.
func (c *checker) checkFunc(f *ir.Func) {
	if len(f.Blocks) == 0 {
		return
	}
	locals := make(map[value.Value]bool)
	for _, param := range f.Params {
		locals[param] = true
	}
	for _, block := range f.Blocks {
		locals[block] = true
		for _, inst := range block.Insts {
			if v, ok := inst.(value.Value); ok {
				locals[v] = true
			}
		}
	}
	for _, block := range f.Blocks {
		if block.Term == nil {
			c.errorf("%s: basic block %s lacks terminator", f.Ident(), block.Ident())
		}
		for _, inst := range block.Insts {
			c.checkOperands(f, inst, locals)
			c.checkInst(f, inst)
		}
		if block.Term != nil {
			c.checkOperands(f, block.Term, locals)
			c.checkTerm(f, block.Term)
		}
	}
}

// checkOperands checks that every operand of inst is defined.
func (c *checker) checkOperands(f *ir.Func, inst interface{}, locals map[value.Value]bool) {
	for _, op := range irutil.Operands(inst) {
		v := *op
		switch v := v.(type) {
		case nil:
			continue
		case *ir.Global, *ir.Func:
			if !c.globals[v] {
				c.errorf("%s: %s refers to %s not present in module", f.Ident(), text(inst), v.Ident())
			}
		case *ir.Param, *ir.Block:
			if !locals[v] {
				c.errorf("%s: %s refers to %s not defined in function", f.Ident(), text(inst), v.Ident())
			}
		case ir.Instruction:
			if !locals[v.(value.Value)] {
				c.errorf("%s: %s refers to erased instruction %s", f.Ident(), text(inst), text(v))
			}
		}
	}
}

// checkInst checks the types of the operands of inst.
func (c *checker) checkInst(f *ir.Func, inst ir.Instruction) {
	switch inst := inst.(type) {
	case *ir.InstLoad:
		if elem := pointee(inst.Src); elem != nil && !types.Equal(elem, inst.ElemType) {
			c.errorf("%s: %s reads %v through pointer to %v", f.Ident(), text(inst), inst.ElemType, elem)
		}
	case *ir.InstStore:
		if elem := pointee(inst.Dst); elem != nil && !types.Equal(elem, inst.Src.Type()) {
			c.errorf("%s: %s writes %v through pointer to %v", f.Ident(), text(inst), inst.Src.Type(), elem)
		}
	case *ir.InstCall:
		c.checkCall(f, inst)
	case *ir.InstTrunc:
		if from, to := intSize(inst.From.Type()), intSize(inst.To); from != 0 && to != 0 && from <= to {
			c.errorf("%s: %s truncates i%d to i%d", f.Ident(), text(inst), from, to)
		}
	case *ir.InstZExt:
		if from, to := intSize(inst.From.Type()), intSize(inst.To); from != 0 && to != 0 && from >= to {
			c.errorf("%s: %s extends i%d to i%d", f.Ident(), text(inst), from, to)
		}
	case *ir.InstAdd:
		c.checkBinary(f, inst, inst.X, inst.Y)
	case *ir.InstSub:
		c.checkBinary(f, inst, inst.X, inst.Y)
	case *ir.InstAnd:
		c.checkBinary(f, inst, inst.X, inst.Y)
	case *ir.InstOr:
		c.checkBinary(f, inst, inst.X, inst.Y)
	case *ir.InstShl:
		c.checkBinary(f, inst, inst.X, inst.Y)
	case *ir.InstLShr:
		c.checkBinary(f, inst, inst.X, inst.Y)
	case *ir.InstSelect:
		if !types.Equal(inst.ValueTrue.Type(), inst.ValueFalse.Type()) {
			c.errorf("%s: %s selects between %v and %v", f.Ident(), text(inst), inst.ValueTrue.Type(), inst.ValueFalse.Type())
		}
	}
}

// checkBinary checks that the operands of the binary instruction have the same
// type.
func (c *checker) checkBinary(f *ir.Func, inst ir.Instruction, x, y value.Value) {
	if !types.Equal(x.Type(), y.Type()) {
		c.errorf("%s: %s has operands of type %v and %v", f.Ident(), text(inst), x.Type(), y.Type())
	}
}

// checkCall checks the arguments of a direct call against the callee
// signature.
func (c *checker) checkCall(f *ir.Func, call *ir.InstCall) {
	callee, ok := call.Callee.(*ir.Func)
	if !ok {
		return
	}
	sig := callee.Sig
	if len(call.Args) < len(sig.Params) || (!sig.Variadic && len(call.Args) != len(sig.Params)) {
		c.errorf("%s: %s passes %d arguments to %s with %d parameters", f.Ident(), text(call), len(call.Args), callee.Ident(), len(sig.Params))
		return
	}
	for i, param := range sig.Params {
		if !types.Equal(call.Args[i].Type(), param) {
			c.errorf("%s: %s passes %v as argument %d of type %v", f.Ident(), text(call), call.Args[i].Type(), i, param)
		}
	}
}

// checkTerm checks the return value of term against the signature of f.
func (c *checker) checkTerm(f *ir.Func, term ir.Terminator) {
	ret, ok := term.(*ir.TermRet)
	if !ok {
		return
	}
	want := f.Sig.RetType
	switch {
	case ret.X == nil && !types.Equal(want, types.Void):
		c.errorf("%s: void return in function returning %v", f.Ident(), want)
	case ret.X != nil && !types.Equal(want, ret.X.Type()):
		c.errorf("%s: %s in function returning %v", f.Ident(), text(ret), want)
	}
}

// ### [ Helper functions ] ####################################################

// pointee returns the element type of the pointer v, or nil if unknown.
func pointee(v value.Value) types.Type {
	if t, ok := v.Type().(*types.PointerType); ok {
		return t.ElemType
	}
	return nil
}

// intSize returns the size in bits of the integer type t, or 0 if t is not an
// integer type.
func intSize(t types.Type) uint64 {
	if t, ok := t.(*types.IntType); ok {
		return t.BitSize
	}
	return 0
}

// text returns the LLVM IR assembly of the given instruction or terminator.
func text(v interface{}) string {
	if v, ok := v.(interface{ LLString() string }); ok {
		return v.LLString()
	}
	return fmt.Sprintf("%T", v)
}
