// Package discrim maps backend-specific processor state accesses onto the
// canonical register set.
//
// Two strategies are provided, one per kind of lifting front end:
//
//	Names     flattened register names, as emitted by disassembly-driven
//	          backends (capstone2llvmir)
//	Offsets   offset paths into one aggregate machine state value, as emitted
//	          by semantics-driven backends (remill)
package discrim

import (
	"fmt"
	"strings"

	"github.com/mewmew/liftnorm/state"
)

// Access is one backend-specific access to processor state.
type Access struct {
	// Name of the storage cell; used by flattened-name backends.
	Name string
	// Constant offset path into the aggregate state value; used by
	// structured-offset backends.
	Path []int64
}

// String returns the string representation of the access.
func (acc Access) String() string {
	if acc.Path == nil {
		return fmt.Sprintf("%q", acc.Name)
	}
	var ss []string
	for _, off := range acc.Path {
		ss = append(ss, fmt.Sprint(off))
	}
	return "[" + strings.Join(ss, ", ") + "]"
}

// A Discriminator resolves backend-specific state accesses to canonical
// registers.
//
// The set of discriminators is closed; Names and Offsets.
type Discriminator interface {
	// Discriminate resolves the given access to its canonical register. The
	// boolean return value reports whether the access was resolved. An error
	// is returned for recognized but unsupported access shapes.
	Discriminate(acc Access) (state.Reg, bool, error)
	isDiscriminator()
}

func (Names) isDiscriminator()   {}
func (Offsets) isDiscriminator() {}
