package discrim

import (
	"github.com/mewmew/liftnorm/state"
	"github.com/pkg/errors"
)

// Offset path layout of the aggregate AArch64 machine state.
const (
	// Length of a general purpose register, program counter or stack pointer
	// path.
	gprPathLen = 6
	// Length of a status flag path.
	flagPathLen = 4
	// Length of a vector register path.
	vecPathLen = 8

	// Lane of the general purpose register array holding the program counter.
	pcLane = 65
	// Lane of the general purpose register array holding the stack pointer.
	spLane = 63
	// Last general purpose register lane.
	maxGPRLane = 61

	// Status register group of a status flag path.
	flagGroup = 5
)

// flagOffsets maps from status register field offset to flag letter.
var flagOffsets = map[int64]byte{
	5:  'N',
	7:  'Z',
	9:  'C',
	11: 'V',
}

// vecPrefix is the fixed prefix of a vector register path.
var vecPrefix = []int64{0, 1, 0}

// Offsets resolves constant offset paths into the aggregate machine state
// value of semantics-driven backends.
//
// Recognized paths:
//
//	[_, _, lane, _, _, _]          lane 65: PC, lane 63: SP, odd lane k < 62: X(k/2)
//	[_, _, 5, off]                 off 5, 7, 9, 11: NF, ZF, CF, VF
//	[0, 1, 0, k, _, _, _, _]       V(k)
type Offsets struct{}

// Discriminate resolves the offset path of acc. Paths of unknown shape are
// reported as errors; a resolved path always has ok set.
func (Offsets) Discriminate(acc Access) (state.Reg, bool, error) {
	reg, err := ResolvePath(acc.Path)
	if err != nil {
		return state.Reg{}, false, errors.WithStack(err)
	}
	return reg, true, nil
}

// ResolvePath resolves the given offset path into the aggregate machine state.
func ResolvePath(path []int64) (state.Reg, error) {
	switch len(path) {
	case gprPathLen:
		lane := path[2]
		switch {
		case lane == pcLane:
			return state.PC, nil
		case lane == spLane:
			return state.SP, nil
		case 0 <= lane && lane <= maxGPRLane && lane%2 == 1:
			return state.X(int(lane / 2)), nil
		}
		return state.Reg{}, errors.Errorf("unable to resolve general purpose register lane %d of state path %v", lane, path)
	case flagPathLen:
		if path[2] != flagGroup {
			return state.Reg{}, errors.Errorf("unable to resolve status register group %d of state path %v; expected %d", path[2], path, flagGroup)
		}
		letter, ok := flagOffsets[path[3]]
		if !ok {
			return state.Reg{}, errors.Errorf("unable to resolve status flag offset %d of state path %v", path[3], path)
		}
		return state.Flag(letter), nil
	case vecPathLen:
		for i, off := range vecPrefix {
			if path[i] != off {
				return state.Reg{}, errors.Errorf("unable to resolve vector register prefix of state path %v; expected %v", path, vecPrefix)
			}
		}
		index := path[len(vecPrefix)]
		reg := state.V(int(index))
		if index < 0 || !reg.Valid() {
			return state.Reg{}, errors.Errorf("unable to resolve vector register %d of state path %v", index, path)
		}
		return reg, nil
	}
	return state.Reg{}, errors.Errorf("support for state path of length %d not yet implemented; unable to resolve %v", len(path), path)
}

// VectorLane returns the lane index of the sub-field selected by a vector
// register path, and reports whether path is a vector register path.
func VectorLane(path []int64) (int64, bool) {
	if len(path) != vecPathLen {
		return 0, false
	}
	return path[vecPathLen-1], true
}
