package mm

import (
	stderrors "errors"
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidArgument reports a misaligned address or length, a zero
	// length, an offset overflow or an inconsistent flag combination.
	ErrInvalidArgument = errors.New("mm: invalid argument")

	// ErrPermissionDenied reports a request for more access than the backing
	// object allows, or a deny-write conflict with an object open for writing.
	ErrPermissionDenied = errors.New("mm: permission denied")

	// ErrOutOfAddressSpace reports that no free range was found or that the
	// range crosses the address space ceiling.
	ErrOutOfAddressSpace = errors.New("mm: out of address space")

	// ErrResourceExhausted reports a failed limit or overcommit check.
	ErrResourceExhausted = errors.New("mm: resource exhausted")

	// ErrBackingObject classifies errors returned by a backing object's
	// mapping callback. errors.Is matches both this sentinel and the
	// callback's own error.
	ErrBackingObject = errors.New("mm: backing object failure")

	// ErrFault reports an access that no region can satisfy, or a failure
	// while faulting in a page.
	ErrFault = errors.New("mm: fault")
)

// OpError records the operation and range an error belongs to.
type OpError struct {
	Op     string // "map", "unmap", "brk", "fault"
	Addr   Addr
	Length uint64
	Err    error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Length == 0 {
		return fmt.Sprintf("%s %#x: %v", e.Op, uint64(e.Addr), e.Err)
	}
	return fmt.Sprintf("%s %#x+%#x: %v", e.Op, uint64(e.Addr), e.Length, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *OpError) Unwrap() error {
	return e.Err
}

// classError attaches a category sentinel to an error without hiding the
// error's own chain. The standard library's errors.Is reaches the sentinel
// through the Is method, github.com/cockroachdb/errors through the mark.
type classError struct {
	class error
	cause error
}

func classify(err, class error) error {
	return &classError{class: class, cause: errors.Mark(err, class)}
}

func (e *classError) Error() string { return e.cause.Error() }

func (e *classError) Unwrap() error { return e.cause }

func (e *classError) Is(target error) bool { return stderrors.Is(e.class, target) }

func opError(op string, addr Addr, length uint64, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Addr: addr, Length: length, Err: err}
}
