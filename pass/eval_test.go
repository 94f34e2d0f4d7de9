package pass

import (
	"math/big"
	"strings"
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/liftnorm/irutil"
	"github.com/mewmew/liftnorm/state"
	"github.com/mewmew/liftnorm/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parse parses the given LLVM IR assembly.
func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := asm.ParseString("<test>", src)
	require.NoError(t, err)
	return m
}

// mustVerify renumbers m and checks its consistency.
func mustVerify(t *testing.T, m *ir.Module) {
	t.Helper()
	require.NoError(t, irutil.RenumberModule(m))
	require.NoError(t, verify.Module(m), m.String())
}

// machine interprets integer LLVM IR over arbitrary precision values. Global
// variables hold the canonical state, and calls to the abstract memory
// primitives access a byte-addressed little-endian memory. Floating-point
// values are carried as their bit patterns.
type machine struct {
	t *testing.T
	// Contents of global variables.
	globals map[*ir.Global]*big.Int
	// Byte-addressed memory.
	mem map[uint64]byte
	// Number of executed instructions.
	steps int
}

// maxSteps bounds the number of executed instructions.
const maxSteps = 100000

func newMachine(t *testing.T, m *ir.Module) *machine {
	mc := &machine{
		t:       t,
		globals: make(map[*ir.Global]*big.Int),
		mem:     make(map[uint64]byte),
	}
	for _, g := range m.Globals {
		if c, ok := g.Init.(*constant.Int); ok {
			mc.globals[g] = trunc(c.X, width(t, g.ContentType))
		}
	}
	return mc
}

// reg returns the contents of the given canonical register.
func (mc *machine) reg(set *StateSet, reg state.Reg) *big.Int {
	if x, ok := mc.globals[set.Global(reg)]; ok {
		return x
	}
	return new(big.Int)
}

// setReg sets the contents of the given canonical register.
func (mc *machine) setReg(set *StateSet, reg state.Reg, x *big.Int) {
	mc.globals[set.Global(reg)] = trunc(x, reg.Width())
}

// call executes f with the given arguments and returns its result, or nil if
// f returns void.
func (mc *machine) call(f *ir.Func, args ...*big.Int) *big.Int {
	t := mc.t
	t.Helper()
	switch {
	case strings.HasPrefix(f.Name(), "load_"):
		return mc.load(f, args)
	case strings.HasPrefix(f.Name(), "store_"):
		mc.store(f, args)
		return nil
	}
	require.NotEmpty(t, f.Blocks, "call of declaration %s", f.Ident())
	require.Len(t, args, len(f.Params), "call of %s", f.Ident())
	env := make(map[value.Value]*big.Int)
	for i, param := range f.Params {
		env[param] = trunc(args[i], width(t, param.Typ))
	}
	var pred *ir.Block
	block := f.Blocks[0]
	for {
		for _, inst := range block.Insts {
			mc.steps++
			require.Less(t, mc.steps, maxSteps, "step limit exceeded")
			mc.exec(env, pred, inst)
		}
		switch term := block.Term.(type) {
		case *ir.TermRet:
			if term.X == nil {
				return nil
			}
			return mc.eval(env, term.X)
		case *ir.TermBr:
			pred, block = block, blockOf(t, term.Target)
		case *ir.TermCondBr:
			next := term.TargetFalse
			if mc.eval(env, term.Cond).Sign() != 0 {
				next = term.TargetTrue
			}
			pred, block = block, blockOf(t, next)
		default:
			t.Fatalf("support for terminator %T not implemented", term)
		}
	}
}

// exec executes the given instruction.
func (mc *machine) exec(env map[value.Value]*big.Int, pred *ir.Block, inst ir.Instruction) {
	t := mc.t
	t.Helper()
	switch inst := inst.(type) {
	case *ir.InstLoad:
		g, ok := inst.Src.(*ir.Global)
		require.True(t, ok, "load from non-global %s", inst.LLString())
		x, ok := mc.globals[g]
		if !ok {
			x = new(big.Int)
		}
		env[inst] = trunc(x, width(t, inst.ElemType))
	case *ir.InstStore:
		g, ok := inst.Dst.(*ir.Global)
		require.True(t, ok, "store to non-global %s", inst.LLString())
		mc.globals[g] = trunc(mc.eval(env, inst.Src), width(t, g.ContentType))
	case *ir.InstAdd:
		env[inst] = mc.binary(env, inst, inst.X, inst.Y, (*big.Int).Add)
	case *ir.InstSub:
		env[inst] = mc.binary(env, inst, inst.X, inst.Y, (*big.Int).Sub)
	case *ir.InstAnd:
		env[inst] = mc.binary(env, inst, inst.X, inst.Y, (*big.Int).And)
	case *ir.InstOr:
		env[inst] = mc.binary(env, inst, inst.X, inst.Y, (*big.Int).Or)
	case *ir.InstXor:
		env[inst] = mc.binary(env, inst, inst.X, inst.Y, (*big.Int).Xor)
	case *ir.InstShl:
		x, y := mc.eval(env, inst.X), mc.eval(env, inst.Y)
		env[inst] = trunc(new(big.Int).Lsh(x, uint(y.Uint64())), width(t, inst.Type()))
	case *ir.InstLShr:
		x, y := mc.eval(env, inst.X), mc.eval(env, inst.Y)
		env[inst] = new(big.Int).Rsh(x, uint(y.Uint64()))
	case *ir.InstTrunc:
		env[inst] = trunc(mc.eval(env, inst.From), width(t, inst.To))
	case *ir.InstZExt:
		env[inst] = mc.eval(env, inst.From)
	case *ir.InstBitCast:
		// Bit patterns are preserved; only first-class values of equal size
		// are cast.
		env[inst] = mc.eval(env, inst.From)
	case *ir.InstSelect:
		if mc.eval(env, inst.Cond).Sign() != 0 {
			env[inst] = mc.eval(env, inst.ValueTrue)
		} else {
			env[inst] = mc.eval(env, inst.ValueFalse)
		}
	case *ir.InstICmp:
		x, y := mc.eval(env, inst.X), mc.eval(env, inst.Y)
		var b bool
		switch inst.Pred {
		case enum.IPredEQ:
			b = x.Cmp(y) == 0
		case enum.IPredNE:
			b = x.Cmp(y) != 0
		case enum.IPredULT:
			b = x.Cmp(y) < 0
		case enum.IPredUGT:
			b = x.Cmp(y) > 0
		default:
			t.Fatalf("support for icmp predicate %v not implemented", inst.Pred)
		}
		env[inst] = new(big.Int)
		if b {
			env[inst].SetInt64(1)
		}
	case *ir.InstPhi:
		for _, inc := range inst.Incs {
			if blockOf(t, inc.Pred) == pred {
				env[inst] = mc.eval(env, inc.X)
				return
			}
		}
		t.Fatalf("no incoming value of %s for predecessor", inst.LLString())
	case *ir.InstCall:
		callee, ok := inst.Callee.(*ir.Func)
		require.True(t, ok, "indirect call %s", inst.LLString())
		var args []*big.Int
		for _, arg := range inst.Args {
			args = append(args, mc.eval(env, arg))
		}
		if result := mc.call(callee, args...); result != nil {
			env[inst] = result
		}
	default:
		t.Fatalf("support for instruction %T not implemented", inst)
	}
}

// binary evaluates the binary integer operation op.
func (mc *machine) binary(env map[value.Value]*big.Int, inst value.Value, x, y value.Value, op func(z, x, y *big.Int) *big.Int) *big.Int {
	z := op(new(big.Int), mc.eval(env, x), mc.eval(env, y))
	return trunc(z, width(mc.t, inst.Type()))
}

// eval returns the value of v.
func (mc *machine) eval(env map[value.Value]*big.Int, v value.Value) *big.Int {
	t := mc.t
	t.Helper()
	switch v := v.(type) {
	case *constant.Int:
		return trunc(v.X, width(t, v.Typ))
	case *constant.Undef:
		return new(big.Int)
	}
	x, ok := env[v]
	require.True(t, ok, "use of undefined value %s", v.Ident())
	return x
}

// load reads memory through the load primitive f.
func (mc *machine) load(f *ir.Func, args []*big.Int) *big.Int {
	n := width(mc.t, f.Sig.RetType) / 8
	addr := args[0].Uint64()
	x := new(big.Int)
	for i := int(n) - 1; i >= 0; i-- {
		x.Lsh(x, 8)
		x.Or(x, big.NewInt(int64(mc.mem[addr+uint64(i)])))
	}
	return x
}

// store writes memory through the store primitive f.
func (mc *machine) store(f *ir.Func, args []*big.Int) {
	n := width(mc.t, f.Sig.Params[1]) / 8
	addr := args[0].Uint64()
	x := new(big.Int).Set(args[1])
	mask := big.NewInt(0xFF)
	for i := uint64(0); i < n; i++ {
		mc.mem[addr+i] = byte(new(big.Int).And(x, mask).Uint64())
		x.Rsh(x, 8)
	}
}

// ### [ Helper functions ] ####################################################

// width returns the size in bits of values of type t.
func width(t *testing.T, typ types.Type) uint64 {
	size, ok := bitSize(typ)
	require.True(t, ok, "unable to determine size of type %v", typ)
	return size
}

// trunc returns the two's complement bit pattern of x truncated to the given
// number of bits.
func trunc(x *big.Int, bits uint64) *big.Int {
	mask := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	mask.Sub(mask, big.NewInt(1))
	return new(big.Int).And(x, mask)
}

// blockOf returns the basic block of the given branch target.
func blockOf(t *testing.T, v interface{}) *ir.Block {
	block, ok := v.(*ir.Block)
	require.True(t, ok, "invalid branch target %T", v)
	return block
}

// hex parses the given hexadecimal integer.
func hex(s string) *big.Int {
	x, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		panic("invalid hexadecimal integer " + s)
	}
	return x
}

// equalInt asserts that got holds the same integer as want.
func equalInt(t *testing.T, want, got *big.Int, msgAndArgs ...interface{}) bool {
	t.Helper()
	if got == nil {
		return assert.Fail(t, "expected integer value, got nil", msgAndArgs...)
	}
	return assert.Equal(t, "0x"+want.Text(16), "0x"+got.Text(16), msgAndArgs...)
}
