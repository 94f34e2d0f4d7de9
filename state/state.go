// Package state defines the canonical architectural register set of the
// AArch64 processor state.
//
// Unified state representation:
//
//	X0..X31      64-bit general purpose registers (aliased by W0..W31)
//	V0..V31      128-bit vector registers (aliased by Q, D, S, H and B views)
//	NF ZF CF VF  1-bit status flags
//	PC           64-bit program counter
//	SP           64-bit stack pointer
package state

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/llir/llvm/ir/types"
)

// Number of general purpose and vector registers.
const (
	NumX = 32
	NumV = 32
)

// Kind is the kind of an architectural register.
type Kind uint8

// Register kinds.
const (
	// General purpose register.
	KindX Kind = iota
	// Vector register.
	KindV
	// Status flag.
	KindFlag
	// Program counter.
	KindPC
	// Stack pointer.
	KindSP
)

// String returns the string representation of the register kind.
func (kind Kind) String() string {
	switch kind {
	case KindX:
		return "general purpose"
	case KindV:
		return "vector"
	case KindFlag:
		return "status flag"
	case KindPC:
		return "program counter"
	case KindSP:
		return "stack pointer"
	}
	return fmt.Sprintf("Kind(%d)", uint8(kind))
}

// Flags lists the status flag letters in canonical order.
const Flags = "NZCV"

// Reg is an architectural register.
type Reg struct {
	// Register kind.
	Kind Kind
	// Register number; present for general purpose and vector registers.
	Index int
	// Flag letter (one of N, Z, C and V); present for status flags.
	Flag byte
}

// Register constructors.
var (
	// PC is the program counter.
	PC = Reg{Kind: KindPC}
	// SP is the stack pointer.
	SP = Reg{Kind: KindSP}
)

// X returns the general purpose register with the given number.
func X(index int) Reg {
	return Reg{Kind: KindX, Index: index}
}

// V returns the vector register with the given number.
func V(index int) Reg {
	return Reg{Kind: KindV, Index: index}
}

// Flag returns the status flag with the given letter. The letter is
// case-normalized to upper case.
func Flag(letter byte) Reg {
	if 'a' <= letter && letter <= 'z' {
		letter -= 'a' - 'A'
	}
	return Reg{Kind: KindFlag, Flag: letter}
}

// Valid reports whether reg is a member of the canonical register set.
func (reg Reg) Valid() bool {
	switch reg.Kind {
	case KindX:
		return reg.Flag == 0 && 0 <= reg.Index && reg.Index < NumX
	case KindV:
		return reg.Flag == 0 && 0 <= reg.Index && reg.Index < NumV
	case KindFlag:
		return reg.Index == 0 && reg.Flag != 0 && strings.IndexByte(Flags, reg.Flag) != -1
	case KindPC, KindSP:
		return reg.Index == 0 && reg.Flag == 0
	}
	return false
}

// Name returns the canonical name of the register (e.g. "X7", "V3", "NF",
// "PC", "SP").
func (reg Reg) Name() string {
	switch reg.Kind {
	case KindX:
		return "X" + strconv.Itoa(reg.Index)
	case KindV:
		return "V" + strconv.Itoa(reg.Index)
	case KindFlag:
		return string(reg.Flag) + "F"
	case KindPC:
		return "PC"
	case KindSP:
		return "SP"
	}
	panic(fmt.Errorf("support for register kind %v not yet implemented", reg.Kind))
}

// String returns the canonical name of the register.
func (reg Reg) String() string {
	return reg.Name()
}

// Width returns the size in bits of the register.
func (reg Reg) Width() uint64 {
	switch reg.Kind {
	case KindX, KindPC, KindSP:
		return 64
	case KindV:
		return 128
	case KindFlag:
		return 1
	}
	panic(fmt.Errorf("support for register kind %v not yet implemented", reg.Kind))
}

// Type returns the LLVM IR integer type of the register storage.
func (reg Reg) Type() *types.IntType {
	switch reg.Width() {
	case 1:
		return types.I1
	case 64:
		return types.I64
	case 128:
		return types.I128
	}
	return types.NewInt(reg.Width())
}

// Generate returns the canonical register set in canonical order; X0..X31,
// V0..V31, NF, ZF, CF, VF, PC, SP.
func Generate() []Reg {
	regs := make([]Reg, 0, NumX+NumV+len(Flags)+2)
	for i := 0; i < NumX; i++ {
		regs = append(regs, X(i))
	}
	for i := 0; i < NumV; i++ {
		regs = append(regs, V(i))
	}
	for i := 0; i < len(Flags); i++ {
		regs = append(regs, Flag(Flags[i]))
	}
	regs = append(regs, PC, SP)
	return regs
}

// ParseName returns the register with the given canonical name. The boolean
// return value reports whether name denotes a canonical register.
func ParseName(name string) (Reg, bool) {
	switch name {
	case "PC":
		return PC, true
	case "SP":
		return SP, true
	}
	if len(name) == 2 && name[1] == 'F' {
		reg := Flag(name[0])
		return reg, reg.Valid() && name[0] == reg.Flag
	}
	if len(name) < 2 || (name[0] != 'X' && name[0] != 'V') {
		return Reg{}, false
	}
	digits := name[1:]
	// Reject non-canonical spellings such as "X07".
	if len(digits) > 1 && digits[0] == '0' {
		return Reg{}, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || strings.TrimLeft(digits, "0123456789") != "" {
		return Reg{}, false
	}
	reg := X(n)
	if name[0] == 'V' {
		reg = V(n)
	}
	return reg, reg.Valid()
}
