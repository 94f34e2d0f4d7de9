package pass

import (
	"math/big"

	"github.com/kr/pretty"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/mewmew/liftnorm/state"
	"github.com/pkg/errors"
)

// Conversion is the width conversion required by an access to canonical
// storage.
type Conversion uint8

// Width conversions.
const (
	// Access width matches storage width.
	ConvNone Conversion = iota
	// Read narrower than storage; truncate. Write wider than storage; truncate.
	ConvTrunc
	// Read wider than storage; zero-extend. Write narrower than storage;
	// zero-extend.
	ConvZExt
	// Indexed sub-field access; shift and truncate on read, read-modify-write
	// on write.
	ConvSubField
)

// String returns the string representation of the conversion.
func (conv Conversion) String() string {
	switch conv {
	case ConvNone:
		return "none"
	case ConvTrunc:
		return "trunc"
	case ConvZExt:
		return "zext"
	case ConvSubField:
		return "sub-field"
	}
	return "unknown"
}

// RewritePlan records how one access to canonical storage is rewritten.
type RewritePlan struct {
	// LLVM IR assembly of the source access.
	Access string
	// Canonical register accessed.
	Reg state.Reg
	// Required width conversion.
	Conv Conversion
	// Bit offset of the accessed sub-field within the register.
	Offset uint64
	// Size in bits of the accessed value.
	Width uint64
	// Accessed type.
	typ types.Type
}

// view is a pointer into canonical storage.
type view struct {
	// Canonical register.
	reg state.Reg
	// Bit offset within the register.
	offset uint64
	// Derived through an indexed getelementptr.
	subField bool
}

// CorrectAccesses repairs width and sub-field mismatches of every read and
// write of canonical storage within the function definitions of m.
//
// Reads of canonical storage are performed at full register width, and
// marked well-defined (!noundef).
func CorrectAccesses(m *ir.Module, set *StateSet) error {
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			continue
		}
		if err := correctFunc(f, set); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// correctFunc repairs the accesses to canonical storage of f.
func correctFunc(f *ir.Func, set *StateSet) error {
	n := 0
	for _, block := range f.Blocks {
		// Iterate over a copy, as rewriting inserts and erases instructions.
		insts := append([]ir.Instruction{}, block.Insts...)
		for _, inst := range insts {
			switch inst := inst.(type) {
			case *ir.InstLoad:
				v, ok, err := resolveView(set, inst.Src)
				if err != nil {
					return unsupported(describe(inst), err)
				}
				if !ok {
					continue
				}
				plan, err := newPlan(inst, v, inst.ElemType)
				if err != nil {
					return errors.WithStack(err)
				}
				if err := rewriteLoad(f, block, inst, plan, set); err != nil {
					return errors.WithStack(err)
				}
				n++
			case *ir.InstStore:
				if _, ok := set.Reg(inst.Src); ok {
					return unsupportedf(describe(inst), "address of canonical register stored")
				}
				v, ok, err := resolveView(set, inst.Dst)
				if err != nil {
					return unsupported(describe(inst), err)
				}
				if !ok {
					continue
				}
				plan, err := newPlan(inst, v, inst.Src.Type())
				if err != nil {
					return errors.WithStack(err)
				}
				if err := rewriteStore(block, inst, plan, set); err != nil {
					return errors.WithStack(err)
				}
				n++
			}
		}
	}
	if err := eraseViews(f, set); err != nil {
		return errors.WithStack(err)
	}
	if err := checkRegisterUses(f, set); err != nil {
		return errors.WithStack(err)
	}
	if n > 0 {
		dbg.Printf("corrected %d accesses in %s", n, f.Ident())
	}
	return nil
}

// newPlan returns the rewrite plan of an access of type typ to the view v.
func newPlan(inst ir.Instruction, v view, typ types.Type) (*RewritePlan, error) {
	width, ok := bitSize(typ)
	if !ok {
		return nil, unsupportedf(describe(inst), "unable to access register %v through type %v", v.reg, typ)
	}
	plan := &RewritePlan{
		Access: describe(inst),
		Reg:    v.reg,
		Offset: v.offset,
		Width:  width,
		typ:    typ,
	}
	regWidth := v.reg.Width()
	switch {
	case v.subField:
		if v.offset+width > regWidth {
			return nil, unsupportedf(plan.Access, "sub-field [%d, %d) out of bounds of %d-bit register %v", v.offset, v.offset+width, regWidth, v.reg)
		}
		plan.Conv = ConvSubField
	case width == regWidth:
		plan.Conv = ConvNone
	case width < regWidth:
		if _, ok := inst.(*ir.InstLoad); ok {
			plan.Conv = ConvTrunc
		} else {
			plan.Conv = ConvZExt
		}
	default:
		if _, ok := inst.(*ir.InstLoad); ok {
			if v.reg.Kind != state.KindFlag {
				warn.Printf("read of %d bits from %d-bit register %v zero-extended", width, regWidth, v.reg)
			}
			plan.Conv = ConvZExt
		} else {
			plan.Conv = ConvTrunc
		}
	}
	if plan.Conv != ConvNone {
		dbg.Printf("rewrite plan: %# v", pretty.Formatter(plan))
	}
	return plan, nil
}

// rewriteLoad rewrites the given read of canonical storage as a full-width
// read followed by the conversion of plan.
func rewriteLoad(f *ir.Func, block *ir.Block, load *ir.InstLoad, plan *RewritePlan, set *StateSet) error {
	g := set.Global(plan.Reg)
	regType := plan.Reg.Type()
	if plan.Conv == ConvNone && load.Src == g && isInt(load.ElemType) {
		markNoundef(load)
		return nil
	}
	full := ir.NewLoad(regType, g)
	markNoundef(full)
	insts := []ir.Instruction{full}
	var cur value.Value = full
	if plan.Offset > 0 {
		shr := ir.NewLShr(cur, constant.NewInt(regType, int64(plan.Offset)))
		insts = append(insts, shr)
		cur = shr
	}
	intType := types.NewInt(plan.Width)
	switch {
	case plan.Width < plan.Reg.Width():
		trunc := ir.NewTrunc(cur, intType)
		insts = append(insts, trunc)
		cur = trunc
	case plan.Width > plan.Reg.Width():
		ext := ir.NewZExt(cur, intType)
		insts = append(insts, ext)
		cur = ext
	}
	if !isInt(plan.typ) {
		cast := ir.NewBitCast(cur, plan.typ)
		insts = append(insts, cast)
		cur = cast
	}
	irutil.InsertBefore(block, load, insts...)
	irutil.ReplaceAllUses(f, load, cur)
	irutil.Erase(block, load)
	return nil
}

// rewriteStore rewrites the given write of canonical storage as a full-width
// write of the converted value. Sub-field writes preserve the bits of the
// register outside of the sub-field.
func rewriteStore(block *ir.Block, store *ir.InstStore, plan *RewritePlan, set *StateSet) error {
	g := set.Global(plan.Reg)
	regType := plan.Reg.Type()
	if plan.Conv == ConvNone && store.Dst == g && isInt(store.Src.Type()) {
		capAlign(store)
		return nil
	}
	var insts []ir.Instruction
	cur := store.Src
	intType := types.NewInt(plan.Width)
	if !isInt(plan.typ) {
		cast := ir.NewBitCast(cur, intType)
		insts = append(insts, cast)
		cur = cast
	}
	switch {
	case plan.Width > plan.Reg.Width():
		trunc := ir.NewTrunc(cur, regType)
		insts = append(insts, trunc)
		cur = trunc
	case plan.Width < plan.Reg.Width():
		ext := ir.NewZExt(cur, regType)
		insts = append(insts, ext)
		cur = ext
	}
	if plan.Conv == ConvSubField {
		if plan.Offset > 0 {
			shl := ir.NewShl(cur, constant.NewInt(regType, int64(plan.Offset)))
			insts = append(insts, shl)
			cur = shl
		}
		old := ir.NewLoad(regType, g)
		markNoundef(old)
		mask := ir.NewAnd(old, fieldMask(regType, plan.Offset, plan.Width))
		merged := ir.NewOr(mask, cur)
		insts = append(insts, old, mask, merged)
		cur = merged
	}
	st := ir.NewStore(cur, g)
	st.Align = store.Align
	st.Volatile = store.Volatile
	capAlign(st)
	insts = append(insts, st)
	irutil.InsertBefore(block, store, insts...)
	irutil.Erase(block, store)
	return nil
}

// resolveView resolves the pointer v into canonical storage. The boolean
// return value reports whether v points into canonical storage.
func resolveView(set *StateSet, v value.Value) (view, bool, error) {
	if reg, ok := set.Reg(v); ok {
		return view{reg: reg}, true, nil
	}
	switch v := v.(type) {
	case *ir.InstBitCast:
		return resolveView(set, v.From)
	case *constant.ExprBitCast:
		return resolveView(set, v.From)
	case *ir.InstGetElementPtr:
		return resolveIndex(set, v.ElemType, v.Src, v.Indices)
	case *constant.ExprGetElementPtr:
		var indices []value.Value
		for _, index := range v.Indices {
			indices = append(indices, index)
		}
		return resolveIndex(set, v.ElemType, v.Src, indices)
	}
	return view{}, false, nil
}

// resolveIndex resolves the indexed pointer into canonical storage with the
// given element type, source pointer and indices.
func resolveIndex(set *StateSet, elemType types.Type, src value.Value, indices []value.Value) (view, bool, error) {
	v, ok, err := resolveView(set, src)
	if err != nil || !ok {
		return v, ok, err
	}
	if len(indices) != 1 {
		return view{}, false, errors.Errorf("too many indices (%d) for register %v getelementptr", len(indices), v.reg)
	}
	index, ok := indices[0].(*constant.Int)
	if !ok {
		return view{}, false, errors.Errorf("non-constant index %v for register %v getelementptr", indices[0].Ident(), v.reg)
	}
	if index.X.Sign() < 0 {
		return view{}, false, errors.Errorf("negative index %v for register %v getelementptr", index.X, v.reg)
	}
	width, ok := bitSize(elemType)
	if !ok {
		return view{}, false, errors.Errorf("unable to index register %v with element type %v", v.reg, elemType)
	}
	v.offset += width * index.X.Uint64()
	v.subField = true
	return v, true, nil
}

// eraseViews erases the dead pointers into canonical storage of f. Pointers
// into canonical storage with remaining uses are unsupported accesses.
func eraseViews(f *ir.Func, set *StateSet) error {
	for changed := true; changed; {
		changed = false
		for _, block := range f.Blocks {
			insts := append([]ir.Instruction{}, block.Insts...)
			for _, inst := range insts {
				if !isView(set, inst) {
					continue
				}
				if !irutil.HasUses(f, inst.(value.Value)) {
					irutil.Erase(block, inst)
					changed = true
				}
			}
		}
	}
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			if !isView(set, inst) {
				continue
			}
			use := irutil.Uses(f, inst.(value.Value))[0]
			return unsupportedf(describe(use.User), "unsupported use of register view %s", describe(inst))
		}
	}
	return nil
}

// isView reports whether inst is a bitcast or getelementptr instruction into
// canonical storage.
func isView(set *StateSet, inst ir.Instruction) bool {
	switch inst := inst.(type) {
	case *ir.InstBitCast, *ir.InstGetElementPtr:
		_, ok, _ := resolveView(set, inst.(value.Value))
		return ok
	}
	return false
}

// checkRegisterUses reports an unsupported access for every use of canonical
// storage within f other than as pointer of a load or store.
func checkRegisterUses(f *ir.Func, set *StateSet) error {
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			switch inst := inst.(type) {
			case *ir.InstLoad, *ir.InstStore:
				// Pointer operands verified when rewritten.
				continue
			case *ir.InstPhi:
				warn.Printf("canonical register used in phi instruction %s; ignored", describe(inst))
				continue
			}
			for _, op := range irutil.Operands(inst) {
				if reg, ok := set.Reg(*op); ok {
					return unsupportedf(describe(inst), "unsupported use of register %v", reg)
				}
			}
		}
		for _, op := range irutil.Operands(block.Term) {
			if reg, ok := set.Reg(*op); ok {
				return unsupportedf(describe(block.Term), "unsupported use of register %v", reg)
			}
		}
	}
	return nil
}

// ### [ Helper functions ] ####################################################

// bitSize returns the size in bits of values of the given type. The boolean
// return value reports whether the type is a first-class non-pointer type of
// known size.
func bitSize(t types.Type) (uint64, bool) {
	switch t := t.(type) {
	case *types.IntType:
		return t.BitSize, true
	case *types.FloatType:
		switch t.Kind {
		case types.FloatKindHalf:
			return 16, true
		case types.FloatKindFloat:
			return 32, true
		case types.FloatKindDouble:
			return 64, true
		case types.FloatKindX86_FP80:
			return 80, true
		case types.FloatKindFP128, types.FloatKindPPC_FP128:
			return 128, true
		}
	case *types.VectorType:
		elemSize, ok := bitSize(t.ElemType)
		if !ok {
			return 0, false
		}
		return t.Len * elemSize, true
	}
	return 0, false
}

// isInt reports whether t is an integer type.
func isInt(t types.Type) bool {
	_, ok := t.(*types.IntType)
	return ok
}

// markNoundef marks the given read as well-defined.
func markNoundef(load *ir.InstLoad) {
	for _, md := range load.Metadata {
		if md.Name == "noundef" {
			return
		}
	}
	md := &metadata.Attachment{
		Name: "noundef",
		Node: &metadata.Tuple{MetadataID: -1},
	}
	load.Metadata = append(load.Metadata, md)
}

// maxRegAlign is the maximum alignment in bytes of writes to canonical
// storage.
const maxRegAlign = 8

// capAlign caps the alignment of the given write of canonical storage.
func capAlign(store *ir.InstStore) {
	if store.Align > maxRegAlign {
		store.Align = maxRegAlign
	}
}

// fieldMask returns the mask of the given integer type which clears exactly
// the bit range [offset, offset+width).
func fieldMask(typ *types.IntType, offset, width uint64) *constant.Int {
	all := new(big.Int).Lsh(big.NewInt(1), uint(typ.BitSize))
	all.Sub(all, big.NewInt(1))
	field := new(big.Int).Lsh(big.NewInt(1), uint(width))
	field.Sub(field, big.NewInt(1))
	field.Lsh(field, uint(offset))
	mask := new(big.Int).AndNot(all, field)
	return signedInt(typ, mask)
}

// signedInt returns the integer constant of the given type holding the
// two's complement bit pattern x, using the signed representation expected by
// the LLVM IR assembly.
func signedInt(typ *types.IntType, x *big.Int) *constant.Int {
	v := new(big.Int).Set(x)
	if typ.BitSize > 0 && v.Bit(int(typ.BitSize-1)) == 1 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(typ.BitSize)))
	}
	return &constant.Int{Typ: typ, X: v}
}
