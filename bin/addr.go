// Package bin provides a uniform representation of code addresses of lifted
// binary executables.
package bin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Addr is a virtual address that may be specified in hexadecimal notation. It
// implements the flag.Value (and pflag.Value) and encoding.TextUnmarshaler
// interfaces.
type Addr uint64

// Address size in number of bits.
const addrSize = 64

// String returns the hexadecimal string representation of v.
func (v Addr) String() string {
	return fmt.Sprintf("0x%016X", uint64(v))
}

// Set sets v to the numberic value represented by s.
func (v *Addr) Set(s string) error {
	x, err := parseUint64(s)
	if err != nil {
		return errors.WithStack(err)
	}
	*v = Addr(x)
	return nil
}

// UnmarshalText unmarshals the text into v.
func (v *Addr) UnmarshalText(text []byte) error {
	return v.Set(string(text))
}

// Type returns the name of the flag value type of v.
func (v *Addr) Type() string {
	return "addr"
}

// Addrs implements the sort.Sort interface, sorting addresses in ascending
// order.
type Addrs []Addr

func (as Addrs) Len() int           { return len(as) }
func (as Addrs) Swap(i, j int)      { as[i], as[j] = as[j], as[i] }
func (as Addrs) Less(i, j int) bool { return as[i] < as[j] }

// funcPrefix is the name prefix of lifted subroutines; the remainder of the
// name is the hexadecimal entry address (e.g. "sub_400a3c").
const funcPrefix = "sub_"

// FuncName returns the name of the lifted subroutine at the given address.
func FuncName(addr Addr) string {
	return fmt.Sprintf("%s%x", funcPrefix, uint64(addr))
}

// ParseFuncName returns the entry address encoded in the name of a lifted
// subroutine. The boolean return value reports whether name is such a name.
func ParseFuncName(name string) (Addr, bool) {
	if !strings.HasPrefix(name, funcPrefix) {
		return 0, false
	}
	s := name[len(funcPrefix):]
	if len(s) == 0 {
		return 0, false
	}
	x, err := strconv.ParseUint(s, 16, addrSize)
	if err != nil {
		return 0, false
	}
	return Addr(x), true
}

// ### [ Helper functions ] ####################################################

// parseUint64 interprets the given string in base 10 or base 16 (if prefixed
// with `0x` or `0X`) and returns the corresponding value.
func parseUint64(s string) (uint64, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[len("0x"):]
		base = 16
	}
	x, err := strconv.ParseUint(s, base, addrSize)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return x, nil
}
