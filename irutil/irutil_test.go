package irutil

import (
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const input = `
@g = global i64 0
@h = global i32 0

define i64 @f(i64 %a) {
	%x = load i64, i64* @g
	%y = add i64 %x, %a
	store i64 %y, i64* @g
	%z = load i32, i32* bitcast (i64* @g to i32*)
	ret i64 %y
}

declare void @ext()
`

func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := asm.ParseString("<test>", src)
	require.NoError(t, err)
	return m
}

func TestUses(t *testing.T) {
	m := parse(t, input)
	f := FindFunc(m, "f")
	require.NotNil(t, f)
	g := FindGlobal(m, "g")
	require.NotNil(t, g)

	// The constant expression operand is not a direct use.
	uses := Uses(f, g)
	require.Len(t, uses, 2)
	_, ok := uses[0].Inst().(*ir.InstLoad)
	assert.True(t, ok)
	_, ok = uses[1].Inst().(*ir.InstStore)
	assert.True(t, ok)
	assert.Len(t, ModuleUses(m, g), 2)

	entry := f.Blocks[0]
	y := entry.Insts[1].(*ir.InstAdd)
	yUses := Uses(f, y)
	require.Len(t, yUses, 2)
	assert.Nil(t, yUses[1].Inst())
	assert.Equal(t, entry.Term, yUses[1].User)

	assert.False(t, HasUses(f, FindGlobal(m, "h")))
}

func TestReplaceAllUses(t *testing.T) {
	m := parse(t, input)
	f := FindFunc(m, "f")
	g, h := FindGlobal(m, "g"), FindGlobal(m, "h")
	n := ReplaceAllUses(f, g, h)
	assert.Equal(t, 2, n)
	assert.False(t, HasUses(f, g))
	assert.True(t, HasUses(f, h))
}

func TestEraseAndInsert(t *testing.T) {
	m := parse(t, input)
	f := FindFunc(m, "f")
	entry := f.Blocks[0]
	z := entry.Insts[3]
	assert.True(t, IsDead(f, z))
	assert.Equal(t, entry, Parent(f, z))
	assert.True(t, EraseFromFunc(f, z))
	assert.False(t, EraseFromFunc(f, z))
	assert.Equal(t, -1, Index(entry, z))
	require.Len(t, entry.Insts, 3)

	x := entry.Insts[0]
	add := entry.Insts[1]
	assert.False(t, IsDead(f, x))
	assert.False(t, IsDead(f, entry.Insts[2]))

	a := ir.NewAdd(constant.NewInt(types.I64, 1), constant.NewInt(types.I64, 2))
	b := ir.NewAdd(constant.NewInt(types.I64, 3), constant.NewInt(types.I64, 4))
	InsertBefore(entry, add, a)
	InsertBefore(entry, entry.Insts[3], b)
	require.Len(t, entry.Insts, 5)
	assert.Equal(t, ir.Instruction(a), entry.Insts[1])
	assert.Equal(t, ir.Instruction(b), entry.Insts[3])
	assert.Equal(t, x, Prev(entry, a))
	assert.Nil(t, Prev(entry, x))

	c := ir.NewAdd(constant.NewInt(types.I64, 5), constant.NewInt(types.I64, 6))
	InsertBefore(entry, nil, c)
	assert.Equal(t, ir.Instruction(c), Last(entry))

	require.NoError(t, Renumber(f))
	_, err := asm.ParseString("<renumbered>", m.String())
	require.NoError(t, err)
}

func TestIsDeadCall(t *testing.T) {
	m := parse(t, `
declare i64 @ext()

define void @f() {
	%1 = call i64 @ext()
	ret void
}
`)
	f := FindFunc(m, "f")
	assert.False(t, IsDead(f, f.Blocks[0].Insts[0]))
}

func TestFirstDef(t *testing.T) {
	m := parse(t, `
declare void @a()

define void @b() {
	ret void
}

define void @c() {
	ret void
}
`)
	f := FirstDef(m)
	require.NotNil(t, f)
	assert.Equal(t, "b", f.Name())
	assert.Nil(t, FindFunc(m, "d"))
	assert.Nil(t, FindGlobal(m, "a"))
	assert.Nil(t, FirstDef(parse(t, "declare void @a()\n")))
}

func TestLowerConstExprs(t *testing.T) {
	m := parse(t, input)
	f := FindFunc(m, "f")
	g := FindGlobal(m, "g")
	z := f.Blocks[0].Insts[3].(*ir.InstLoad)
	_, isConst := z.Src.(*constant.ExprBitCast)
	require.True(t, isConst)
	assert.True(t, RefersTo(z.Src.(constant.Constant), g))

	require.NoError(t, LowerConstExprs(f, g))
	cast, ok := z.Src.(*ir.InstBitCast)
	require.True(t, ok)
	assert.Equal(t, g, cast.From)
	assert.Equal(t, Index(f.Blocks[0], z)-1, Index(f.Blocks[0], cast))
	assert.Len(t, Uses(f, g), 3)

	require.NoError(t, RenumberModule(m))
	_, err := asm.ParseString("<lowered>", m.String())
	require.NoError(t, err)
}
