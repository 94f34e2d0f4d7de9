package pass

import (
	"math/big"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveMarker(t *testing.T) {
	m := parse(t, `
@capstone_asm2llvm = global i64 0
@X0 = global i64 0

define void @f() {
	store i64 1, i64* @capstone_asm2llvm
	%1 = load i64, i64* @capstone_asm2llvm
	store i64 2, i64* @X0
	ret void
}
`)
	name := DefaultConfig().Marker
	require.NoError(t, RemoveMarker(m, name))
	assert.Nil(t, irutil.FindGlobal(m, name))
	assert.Len(t, m.Globals, 1)
	assert.Len(t, irutil.FindFunc(m, "f").Blocks[0].Insts, 1)
	mustVerify(t, m)

	// No scaffolding left.
	require.NoError(t, RemoveMarker(m, name))
	assert.Len(t, m.Globals, 1)
}

func TestRemoveMarkerInUse(t *testing.T) {
	m := parse(t, `
@capstone_asm2llvm = global i64 0

define i64 @f() {
	%1 = load i64, i64* @capstone_asm2llvm
	ret i64 %1
}
`)
	err := RemoveMarker(m, DefaultConfig().Marker)
	require.Error(t, err)
	assert.True(t, IsMalformedInput(err))
}

func TestRemoveMarkerConstExpr(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{
			name: "instruction operand",
			src: `
@capstone_asm2llvm = global i64 0

define i32 @f() {
	%1 = load i32, i32* bitcast (i64* @capstone_asm2llvm to i32*)
	ret i32 %1
}
`,
		},
		{
			name: "global initializer",
			src: `
@capstone_asm2llvm = global i64 0
@ref = global i8* bitcast (i64* @capstone_asm2llvm to i8*)
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := parse(t, tt.src)
			name := DefaultConfig().Marker
			err := RemoveMarker(m, name)
			require.Error(t, err)
			assert.True(t, IsMalformedInput(err), "%+v", err)
			// Nothing is removed.
			assert.NotNil(t, irutil.FindGlobal(m, name))
		})
	}
}

func TestDefineRemillStubs(t *testing.T) {
	m := parse(t, remillState+`
declare i1 @__remill_flag_computation_zero(i1, i64)
declare %struct.Memory* @__remill_missing_block(%struct.State*, i64, %struct.Memory*)

define i1 @f(i1 %x) {
	%1 = call i1 @__remill_flag_computation_zero(i1 %x, i64 42)
	ret i1 %1
}
`)
	cfg := DefaultConfig()
	require.NoError(t, DefineRemillStubs(m, cfg))

	// Flag computation helpers return their first argument.
	mc := newMachine(t, m)
	f := irutil.FindFunc(m, "f")
	equalInt(t, big.NewInt(1), mc.call(f, big.NewInt(1)))
	equalInt(t, big.NewInt(0), mc.call(f, big.NewInt(0)))

	missing := irutil.FindFunc(m, cfg.MissingBlock)
	require.Len(t, missing.Blocks, 1)
	ret := missing.Blocks[0].Term.(*ir.TermRet)
	_, ok := ret.X.(*constant.Undef)
	assert.True(t, ok)
	mustVerify(t, m)

	// Defined helpers are left as is.
	require.NoError(t, DefineRemillStubs(m, cfg))
	assert.Len(t, missing.Blocks, 1)
}

func TestDefineRemillStubsMalformed(t *testing.T) {
	m := parse(t, "declare i1 @__remill_flag_computation_sign(i64)\n")
	err := DefineRemillStubs(m, DefaultConfig())
	require.Error(t, err)
	assert.True(t, IsMalformedInput(err))
}

func TestForceInline(t *testing.T) {
	m := parse(t, `
define void @f() #0 {
	ret void
}

define void @g() noinline {
	ret void
}

declare void @h() #0

attributes #0 = { noinline nounwind optnone }
`)
	ForceInline(m)
	for _, name := range []string{"f", "g"} {
		f := irutil.FindFunc(m, name)
		assert.True(t, hasFuncAttr(f, enum.FuncAttrAlwaysInline), name)
		assert.False(t, hasFuncAttr(f, enum.FuncAttrNoInline), name)
		assert.False(t, hasFuncAttr(f, enum.FuncAttrOptNone), name)
		for _, a := range f.FuncAttrs {
			_, ok := a.(*ir.AttrGroupDef)
			assert.False(t, ok, "%s refers to attribute group", name)
		}
	}
	// Attributes of the shared group survive.
	assert.True(t, hasFuncAttr(irutil.FindFunc(m, "f"), enum.FuncAttrNoUnwind))
	// Declarations are left untouched.
	h := irutil.FindFunc(m, "h")
	require.Len(t, h.FuncAttrs, 1)
	_, ok := h.FuncAttrs[0].(*ir.AttrGroupDef)
	assert.True(t, ok)
	mustVerify(t, m)
}
