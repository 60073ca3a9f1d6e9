// Package errs classifies the errors returned by the ledger, token and airdrop services so callers can map them
// (ie. to HTTP status codes) without knowing which collaborator failed.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the class of an error.
type Kind uint8

// Kinds of errors.
const (
	Other        Kind = iota
	Validation        // malformed input
	NotFound          // unknown user, request, record...
	Precondition      // ie. insufficient balance
	Conflict          // duplicate key in the record store
	Chain             // submission or confirmation failure
	Recovery          // unresolvable intermediate state found after a crash
	Internal          // creation failures and anything unexpected
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not found"
	case Precondition:
		return "precondition"
	case Conflict:
		return "conflict"
	case Chain:
		return "chain"
	case Recovery:
		return "recovery"
	case Internal:
		return "internal"
	}

	return "other"
}

// Error carries the Kind of a failure along with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E returns an *Error of kind k for operation op wrapping err.
func E(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Errorf is a shorthand for E(k, op, fmt.Errorf(format, args...)).
func Errorf(k Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Other
}

// Is reports whether err is classified as k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
