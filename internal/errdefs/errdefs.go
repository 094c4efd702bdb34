// Package errdefs defines the error taxonomy surfaced by operator execution.
//
// Every error returned from an operator carries a Kind. Callers match on the
// kind with errors.Is against the package sentinels:
//
//	if errors.Is(err, errdefs.ErrShape) { ... }
package errdefs

import (
	"errors"
	"fmt"
)

// Kind categorizes operator failures. None of them are retried internally.
type Kind int

const (
	// KindShape is a violated dimension precondition. The caller must fix the graph.
	KindShape Kind = iota + 1
	// KindCompilation is a failed device program build.
	KindCompilation
	// KindAllocation is a failed device image or buffer allocation.
	KindAllocation
	// KindDeviceFault is an out-of-range access flagged by the diagnostic buffer.
	KindDeviceFault
	// KindRuntime covers device runtime failures outside the other kinds,
	// such as a rejected enqueue or a closed queue.
	KindRuntime
)

var (
	ErrShape       = errors.New("shape error")
	ErrCompilation = errors.New("compilation error")
	ErrAllocation  = errors.New("allocation error")
	ErrDeviceFault = errors.New("device fault")
	ErrRuntime     = errors.New("runtime error")
)

func (k Kind) String() string {
	switch k {
	case KindShape:
		return "shape"
	case KindCompilation:
		return "compilation"
	case KindAllocation:
		return "allocation"
	case KindDeviceFault:
		return "device fault"
	case KindRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindShape:
		return ErrShape
	case KindCompilation:
		return ErrCompilation
	case KindAllocation:
		return ErrAllocation
	case KindDeviceFault:
		return ErrDeviceFault
	case KindRuntime:
		return ErrRuntime
	default:
		return nil
	}
}

// Error is a categorized failure of a named operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "space_to_depth"
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind, so errors.Is(err, ErrShape)
// works without unwrapping to the concrete type.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Shape(op, msg string) error {
	return newError(KindShape, op, msg, nil)
}

func Shapef(op, format string, args ...any) error {
	return newError(KindShape, op, fmt.Sprintf(format, args...), nil)
}

func Compilation(op, msg string, err error) error {
	return newError(KindCompilation, op, msg, err)
}

func Allocation(op, msg string, err error) error {
	return newError(KindAllocation, op, msg, err)
}

func DeviceFault(op, msg string) error {
	return newError(KindDeviceFault, op, msg, nil)
}

func Runtime(op, msg string, err error) error {
	return newError(KindRuntime, op, msg, err)
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
