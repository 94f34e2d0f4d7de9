// Package irutil implements use-def bookkeeping and in-place rewriting of LLVM
// IR functions.
//
// LLVM IR values of llir/llvm do not track their users, so uses are located
// by scanning the operands of instructions and terminators. Instructions are
// always addressed by identity; replacing and erasing never copies them.
package irutil

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"
)

// user is an instruction or terminator with operands.
type user interface {
	// Operands returns a mutable list of operands of the given value.
	Operands() []*value.Value
}

// Use is a use of a value as operand of an instruction or terminator.
type Use struct {
	// Basic block containing the user.
	Block *ir.Block
	// Instruction (ir.Instruction) or terminator (ir.Terminator) using the
	// value.
	User interface{}
	// Operand referring to the value.
	Operand *value.Value
}

// Inst returns the user instruction, or nil if the user is a terminator.
func (use *Use) Inst() ir.Instruction {
	inst, _ := use.User.(ir.Instruction)
	return inst
}

// Operands returns the operands of the given instruction or terminator.
func Operands(inst interface{}) []*value.Value {
	if u, ok := inst.(user); ok {
		return u.Operands()
	}
	return nil
}

// Uses returns the uses of v within f.
func Uses(f *ir.Func, v value.Value) []*Use {
	var uses []*Use
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			uses = appendUses(uses, block, inst, v)
		}
		if block.Term != nil {
			uses = appendUses(uses, block, block.Term, v)
		}
	}
	return uses
}

// ModuleUses returns the uses of v within the function definitions of m.
func ModuleUses(m *ir.Module, v value.Value) []*Use {
	var uses []*Use
	for _, f := range m.Funcs {
		uses = append(uses, Uses(f, v)...)
	}
	return uses
}

// appendUses appends the uses of v by the given user to uses.
func appendUses(uses []*Use, block *ir.Block, u interface{}, v value.Value) []*Use {
	for _, op := range Operands(u) {
		if *op != nil && *op == v {
			uses = append(uses, &Use{Block: block, User: u, Operand: op})
		}
	}
	return uses
}

// HasUses reports whether v is used within f.
func HasUses(f *ir.Func, v value.Value) bool {
	return len(Uses(f, v)) > 0
}

// ReplaceAllUses replaces every use of old within f with new, and returns the
// number of replaced operands.
func ReplaceAllUses(f *ir.Func, old, new value.Value) int {
	uses := Uses(f, old)
	for _, use := range uses {
		*use.Operand = new
	}
	return len(uses)
}

// Index returns the index of inst within block, or -1 if not present.
func Index(block *ir.Block, inst ir.Instruction) int {
	for i, v := range block.Insts {
		if v == inst {
			return i
		}
	}
	return -1
}

// Erase removes inst from block, and reports whether it was present.
func Erase(block *ir.Block, inst ir.Instruction) bool {
	i := Index(block, inst)
	if i == -1 {
		return false
	}
	block.Insts = append(block.Insts[:i:i], block.Insts[i+1:]...)
	return true
}

// EraseFromFunc removes inst from the basic block of f containing it, and
// reports whether it was present.
func EraseFromFunc(f *ir.Func, inst ir.Instruction) bool {
	block := Parent(f, inst)
	if block == nil {
		return false
	}
	return Erase(block, inst)
}

// Parent returns the basic block of f containing inst, or nil if not present.
func Parent(f *ir.Func, inst ir.Instruction) *ir.Block {
	for _, block := range f.Blocks {
		if Index(block, inst) != -1 {
			return block
		}
	}
	return nil
}

// InsertBefore inserts the given instructions into block, immediately before
// the instruction before. A nil before appends the instructions to the end of
// the block, ahead of its terminator.
func InsertBefore(block *ir.Block, before ir.Instruction, insts ...ir.Instruction) {
	i := len(block.Insts)
	if before != nil {
		if j := Index(block, before); j != -1 {
			i = j
		}
	}
	tail := append([]ir.Instruction{}, block.Insts[i:]...)
	block.Insts = append(append(block.Insts[:i], insts...), tail...)
}

// IsDead reports whether the given instruction of f is free of side effects
// and has no uses. Calls and stores are never dead.
func IsDead(f *ir.Func, inst ir.Instruction) bool {
	if _, ok := inst.(*ir.InstCall); ok {
		return false
	}
	v, ok := inst.(value.Value)
	if !ok {
		return false
	}
	return !HasUses(f, v)
}

// Prev returns the instruction preceding inst within block, or nil if inst is
// the first instruction.
func Prev(block *ir.Block, inst ir.Instruction) ir.Instruction {
	i := Index(block, inst)
	if i <= 0 {
		return nil
	}
	return block.Insts[i-1]
}

// Last returns the last non-terminator instruction of block, or nil if block
// has no instructions.
func Last(block *ir.Block) ir.Instruction {
	if len(block.Insts) == 0 {
		return nil
	}
	return block.Insts[len(block.Insts)-1]
}
