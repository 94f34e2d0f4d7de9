package discrim

import (
	"strings"

	"github.com/mewmew/liftnorm/state"
)

// maxIndexDigits is the maximum number of digits in the register number of a
// flattened register name. Longer suffixes belong to unrelated identifiers
// (e.g. "x1234" temporaries) and are left unresolved.
const maxIndexDigits = 2

// Names resolves flattened register names of disassembly-driven backends.
//
// Recognized names:
//
//	x0..x31              general purpose registers
//	v0..v31, q0..q31,
//	d0..d31, s0..s31     vector registers (and their Q, D and S views)
//	pc                   program counter
//	sp                   stack pointer
//	cpsr_n, cpsr_z,
//	cpsr_c, cpsr_v       status flags
type Names struct{}

// Discriminate resolves the flattened register name of acc. Unrecognized names
// are reported as unresolved; Names never returns an error.
func (Names) Discriminate(acc Access) (state.Reg, bool, error) {
	reg, ok := ResolveName(acc.Name)
	return reg, ok, nil
}

// ResolveName resolves the given flattened register name. The boolean return
// value reports whether name denotes a register of the canonical set.
func ResolveName(name string) (state.Reg, bool) {
	switch name {
	case "pc":
		return state.PC, true
	case "sp":
		return state.SP, true
	}
	if strings.HasPrefix(name, "cpsr_") {
		letter := name[len("cpsr_"):]
		if len(letter) != 1 {
			return state.Reg{}, false
		}
		reg := state.Flag(letter[0])
		return reg, reg.Valid()
	}
	if len(name) < 2 || len(name) > 1+maxIndexDigits {
		return state.Reg{}, false
	}
	index, ok := parseIndex(name[1:])
	if !ok {
		return state.Reg{}, false
	}
	var reg state.Reg
	switch name[0] {
	case 'x':
		reg = state.X(index)
	case 'v', 'q', 'd', 's':
		reg = state.V(index)
	default:
		return state.Reg{}, false
	}
	return reg, reg.Valid()
}

// ### [ Helper functions ] ####################################################

// parseIndex parses the given decimal register number.
func parseIndex(s string) (int, bool) {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = 10*n + int(c-'0')
	}
	return n, len(s) > 0
}
