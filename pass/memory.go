package pass

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/pkg/errors"
)

// Sizes in bits of the abstract memory primitives.
var memSizes = []uint64{8, 16, 32, 64}

// Memory holds the abstract memory primitives of a module; load_N(i64 addr)
// and store_N(i64 addr, iN val) for N in 8, 16, 32 and 64.
type Memory struct {
	// Maps from access size in bits to load primitive.
	loads map[uint64]*ir.Func
	// Maps from access size in bits to store primitive.
	stores map[uint64]*ir.Func
}

// LoadName returns the name of the load primitive of the given size.
func LoadName(size uint64) string {
	return fmt.Sprintf("load_%d", size)
}

// StoreName returns the name of the store primitive of the given size.
func StoreName(size uint64) string {
	return fmt.Sprintf("store_%d", size)
}

// NewMemory declares the abstract memory primitives of m. Existing
// declarations are reused, provided their signature matches.
func NewMemory(m *ir.Module) (*Memory, error) {
	mem := &Memory{
		loads:  make(map[uint64]*ir.Func),
		stores: make(map[uint64]*ir.Func),
	}
	for _, size := range memSizes {
		valType := types.NewInt(size)
		load, err := declarePrimitive(m, LoadName(size), valType, types.I64)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		store, err := declarePrimitive(m, StoreName(size), types.Void, types.I64, valType)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		addFuncAttrs(load, enum.FuncAttrInaccessibleMemOnly, enum.FuncAttrReadOnly, enum.FuncAttrWillReturn, enum.FuncAttrNoUnwind)
		addFuncAttrs(store, enum.FuncAttrInaccessibleMemOnly, enum.FuncAttrWillReturn, enum.FuncAttrNoUnwind)
		mem.loads[size] = load
		mem.stores[size] = store
	}
	return mem, nil
}

// declarePrimitive returns the body-less function of m with the given name
// and signature, declaring it if not present.
func declarePrimitive(m *ir.Module, name string, retType types.Type, paramTypes ...types.Type) (*ir.Func, error) {
	sig := types.NewFunc(retType, paramTypes...)
	if f := irutil.FindFunc(m, name); f != nil {
		if !types.Equal(f.Sig, sig) {
			return nil, malformedf("signature mismatch of memory primitive %s; expected %v, got %v", f.Ident(), sig, f.Sig)
		}
		if len(f.Blocks) > 0 {
			return nil, malformedf("memory primitive %s must not be defined", f.Ident())
		}
		return f, nil
	}
	var params []*ir.Param
	for _, paramType := range paramTypes {
		params = append(params, ir.NewParam("", paramType))
	}
	return m.NewFunc(name, retType, params...), nil
}

// ExternalizeMemory replaces every read and write through an integer-to-pointer
// cast within the function definitions of m with a call to the abstract
// memory primitive of matching size. Reads and writes of sizes other than 8,
// 16, 32 and 64 bits are unsupported accesses.
func ExternalizeMemory(m *ir.Module, mem *Memory) error {
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			continue
		}
		if err := externalizeFunc(f, mem); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// externalizeFunc externalizes the memory accesses of f.
func externalizeFunc(f *ir.Func, mem *Memory) error {
	n := 0
	var casts []*ir.InstIntToPtr
	for _, block := range f.Blocks {
		insts := append([]ir.Instruction{}, block.Insts...)
		for _, inst := range insts {
			switch inst := inst.(type) {
			case *ir.InstIntToPtr:
				casts = append(casts, inst)
			case *ir.InstLoad:
				addr, ok := castAddr(inst.Src)
				if !ok {
					continue
				}
				if err := externalizeLoad(f, block, inst, addr, mem); err != nil {
					return errors.WithStack(err)
				}
				n++
			case *ir.InstStore:
				addr, ok := castAddr(inst.Dst)
				if !ok {
					continue
				}
				if err := externalizeStore(block, inst, addr, mem); err != nil {
					return errors.WithStack(err)
				}
				n++
			}
		}
	}
	for _, cast := range casts {
		if uses := irutil.Uses(f, cast); len(uses) > 0 {
			return unsupportedf(describe(uses[0].User), "unsupported use of integer-to-pointer cast %s", describe(cast))
		}
		irutil.EraseFromFunc(f, cast)
	}
	if n > 0 {
		dbg.Printf("externalized %d memory accesses in %s", n, f.Ident())
	}
	return nil
}

// externalizeLoad replaces the given read of memory with a call to the load
// primitive.
func externalizeLoad(f *ir.Func, block *ir.Block, load *ir.InstLoad, addr value.Value, mem *Memory) error {
	size, ok := bitSize(load.ElemType)
	if !ok || !isMemType(load.ElemType) {
		return unsupportedf(describe(load), "unable to read memory through type %v", load.ElemType)
	}
	prim, ok := mem.loads[size]
	if !ok {
		return unsupportedf(describe(load), "unsupported memory read size of %d bits", size)
	}
	var insts []ir.Instruction
	addr = addrArg(addr, &insts)
	call := ir.NewCall(prim, addr)
	insts = append(insts, call)
	var result value.Value = call
	if !isInt(load.ElemType) {
		cast := ir.NewBitCast(call, load.ElemType)
		insts = append(insts, cast)
		result = cast
	}
	irutil.InsertBefore(block, load, insts...)
	irutil.ReplaceAllUses(f, load, result)
	irutil.Erase(block, load)
	return nil
}

// externalizeStore replaces the given write of memory with a call to the store
// primitive.
func externalizeStore(block *ir.Block, store *ir.InstStore, addr value.Value, mem *Memory) error {
	valType := store.Src.Type()
	size, ok := bitSize(valType)
	if !ok || !isMemType(valType) {
		return unsupportedf(describe(store), "unable to write memory through type %v", valType)
	}
	prim, ok := mem.stores[size]
	if !ok {
		return unsupportedf(describe(store), "unsupported memory write size of %d bits", size)
	}
	var insts []ir.Instruction
	addr = addrArg(addr, &insts)
	val := store.Src
	if !isInt(valType) {
		cast := ir.NewBitCast(val, types.NewInt(size))
		insts = append(insts, cast)
		val = cast
	}
	insts = append(insts, ir.NewCall(prim, addr, val))
	irutil.InsertBefore(block, store, insts...)
	irutil.Erase(block, store)
	return nil
}

// castAddr returns the integer address of the given integer-to-pointer cast.
// The boolean return value reports whether ptr is such a cast.
func castAddr(ptr value.Value) (value.Value, bool) {
	switch ptr := ptr.(type) {
	case *ir.InstIntToPtr:
		return ptr.From, true
	case *constant.ExprIntToPtr:
		return ptr.From, true
	}
	return nil, false
}

// ### [ Helper functions ] ####################################################

// addrArg returns addr as 64-bit address argument, appending the required
// conversion instructions to insts.
func addrArg(addr value.Value, insts *[]ir.Instruction) value.Value {
	t, ok := addr.Type().(*types.IntType)
	if !ok {
		return addr
	}
	switch {
	case t.BitSize < 64:
		ext := ir.NewZExt(addr, types.I64)
		*insts = append(*insts, ext)
		return ext
	case t.BitSize > 64:
		trunc := ir.NewTrunc(addr, types.I64)
		*insts = append(*insts, trunc)
		return trunc
	}
	return addr
}

// isMemType reports whether values of type t may be transferred to and from
// abstract memory; integers and scalar floating-point values.
func isMemType(t types.Type) bool {
	switch t.(type) {
	case *types.IntType, *types.FloatType:
		return true
	}
	return false
}
