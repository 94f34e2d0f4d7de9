package pass

import (
	"fmt"

	"github.com/pkg/errors"
)

// UnsupportedAccessError reports a processor state or memory access which
// could not be mapped onto the canonical representation and is not provably
// dead code.
type UnsupportedAccessError struct {
	// String representation of the offending access.
	Access string
	// Underlying error; may be nil.
	Err error
}

// Error implements the error interface.
func (e *UnsupportedAccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unsupported access %s; %v", e.Access, e.Err)
	}
	return fmt.Sprintf("unsupported access %s", e.Access)
}

// Unwrap returns the underlying error.
func (e *UnsupportedAccessError) Unwrap() error {
	return e.Err
}

// MalformedInputError reports a violated structural precondition of the input
// module (e.g. a missing function, parameter or stub).
type MalformedInputError struct {
	// Description of the violated precondition.
	Msg string
}

// Error implements the error interface.
func (e *MalformedInputError) Error() string {
	return "malformed input; " + e.Msg
}

// unsupported returns a new unsupported access error, annotated with a stack
// trace.
func unsupported(access string, err error) error {
	return errors.WithStack(&UnsupportedAccessError{Access: access, Err: err})
}

// unsupportedf returns a new unsupported access error with the given
// formatted reason, annotated with a stack trace.
func unsupportedf(access string, format string, args ...interface{}) error {
	return unsupported(access, errors.New(fmt.Sprintf(format, args...)))
}

// malformedf returns a new malformed input error with the given formatted
// description, annotated with a stack trace.
func malformedf(format string, args ...interface{}) error {
	return errors.WithStack(&MalformedInputError{Msg: fmt.Sprintf(format, args...)})
}

// IsUnsupportedAccess reports whether err was caused by an unsupported access.
func IsUnsupportedAccess(err error) bool {
	var e *UnsupportedAccessError
	return errors.As(err, &e)
}

// IsMalformedInput reports whether err was caused by malformed input.
func IsMalformedInput(err error) bool {
	var e *MalformedInputError
	return errors.As(err, &e)
}

// describe returns the LLVM IR assembly of the given instruction, terminator
// or value, for use in diagnostics.
func describe(v interface{}) string {
	switch v := v.(type) {
	case interface{ LLString() string }:
		return v.LLString()
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprintf("%T", v)
}
