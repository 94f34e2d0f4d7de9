package discrim

import (
	"fmt"
	"testing"

	"github.com/mewmew/liftnorm/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamesResolved(t *testing.T) {
	want := make(map[string]state.Reg)
	for i := 0; i < 32; i++ {
		want[fmt.Sprintf("x%d", i)] = state.X(i)
		want[fmt.Sprintf("v%d", i)] = state.V(i)
		want[fmt.Sprintf("q%d", i)] = state.V(i)
		want[fmt.Sprintf("d%d", i)] = state.V(i)
		want[fmt.Sprintf("s%d", i)] = state.V(i)
	}
	want["pc"] = state.PC
	want["sp"] = state.SP
	want["cpsr_n"] = state.Flag('N')
	want["cpsr_z"] = state.Flag('Z')
	want["cpsr_c"] = state.Flag('C')
	want["cpsr_v"] = state.Flag('V')
	for name, reg := range want {
		got, ok, err := Names{}.Discriminate(Access{Name: name})
		require.NoError(t, err)
		require.True(t, ok, name)
		assert.Equal(t, reg, got, name)
	}
}

func TestNamesUnresolved(t *testing.T) {
	names := []string{
		"",
		"x",
		"x32",
		"x100",
		"x1a",
		"v99",
		"w0",
		"h3",
		"b1",
		"xzr",
		"lr",
		"cpsr",
		"cpsr_",
		"cpsr_q",
		"cpsr_nz",
		"PC",
		"X0",
		"tmp",
		"capstone_asm2llvm",
		"spsr",
	}
	for _, name := range names {
		_, ok, err := Names{}.Discriminate(Access{Name: name})
		require.NoError(t, err)
		assert.False(t, ok, "%q unexpectedly resolved", name)
	}
}

func TestOffsetsResolved(t *testing.T) {
	golden := []struct {
		path []int64
		want state.Reg
	}{
		{path: []int64{0, 0, 65, 0, 0, 0}, want: state.PC},
		{path: []int64{0, 0, 63, 0, 0, 0}, want: state.SP},
		{path: []int64{0, 0, 1, 0, 0, 0}, want: state.X(0)},
		{path: []int64{0, 0, 15, 0, 0, 0}, want: state.X(7)},
		{path: []int64{0, 0, 61, 0, 0, 0}, want: state.X(30)},
		{path: []int64{0, 0, 5, 5}, want: state.Flag('N')},
		{path: []int64{0, 0, 5, 7}, want: state.Flag('Z')},
		{path: []int64{0, 0, 5, 9}, want: state.Flag('C')},
		{path: []int64{0, 0, 5, 11}, want: state.Flag('V')},
		{path: []int64{0, 1, 0, 0, 0, 0, 0, 0}, want: state.V(0)},
		{path: []int64{0, 1, 0, 31, 0, 0, 0, 2}, want: state.V(31)},
	}
	for _, g := range golden {
		got, ok, err := Offsets{}.Discriminate(Access{Path: g.path})
		require.NoError(t, err, "%v", g.path)
		require.True(t, ok)
		assert.Equal(t, g.want, got, "%v", g.path)
	}
}

func TestOffsetsFailure(t *testing.T) {
	paths := [][]int64{
		nil,
		{0},
		{0, 0, 65},
		{0, 0, 65, 0, 0},
		{0, 0, 65, 0, 0, 0, 0},
		// even lane
		{0, 0, 2, 0, 0, 0},
		// lane out of range
		{0, 0, 67, 0, 0, 0},
		{0, 0, -1, 0, 0, 0},
		// wrong status register group
		{0, 0, 4, 5},
		// unknown flag offset
		{0, 0, 5, 6},
		{0, 0, 5, 13},
		// wrong vector prefix
		{0, 2, 0, 3, 0, 0, 0, 0},
		// vector index out of range
		{0, 1, 0, 32, 0, 0, 0, 0},
		{0, 1, 0, -1, 0, 0, 0, 0},
		{0, 1, 0, 3, 0, 0, 0, 0, 0},
	}
	for _, path := range paths {
		_, ok, err := Offsets{}.Discriminate(Access{Path: path})
		assert.Error(t, err, "%v", path)
		assert.False(t, ok, "%v", path)
	}
}

func TestVectorLane(t *testing.T) {
	lane, ok := VectorLane([]int64{0, 1, 0, 4, 0, 0, 0, 3})
	require.True(t, ok)
	assert.Equal(t, int64(3), lane)
	_, ok = VectorLane([]int64{0, 0, 65, 0, 0, 0})
	assert.False(t, ok)
}

func TestAccessString(t *testing.T) {
	assert.Equal(t, `"x0"`, Access{Name: "x0"}.String())
	assert.Equal(t, "[0, 0, 65]", Access{Path: []int64{0, 0, 65}}.String())
}
