package interp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Fatal VM errors: each indicates a violated invariant rather than a
// recoverable language-level condition, and aborts the current call.
var (
	ErrUnknownOpcode    = errors.New("interp: unknown opcode")
	ErrAllocationFailed = errors.New("interp: allocation failed after GC retry")
	ErrPointerMapBuild  = errors.New("interp: pointer map build failed")
	ErrStackOverflow    = errors.New("interp: stack overflow")
	ErrUnknownFunction  = errors.New("interp: unknown function id")
	ErrUnknownClass     = errors.New("interp: unknown class id")
	ErrUnknownBuiltin   = errors.New("interp: unknown builtin id")
	ErrDivisionByZero   = errors.New("interp: division or modulo by zero")
)

// wrapFatal attaches the failing pc and function name to a sentinel
// fatal error before it is returned to the caller of Call.
func wrapFatal(err error, fn *Function, pc int) error {
	name := "<nil>"
	if fn != nil {
		name = fn.Name
	}
	return errors.Wrapf(err, "in function %s at pc %d", name, pc)
}

// UnhandledError is returned from Call when a THROW reaches an empty
// handler stack: the thrown object escaped every installed try/catch
// region. The interpreter's own state is reset before this is
// returned, so the same Interpreter can be reused for another Call.
type UnhandledError struct {
	ClassName string
	Message   string
}

func (e *UnhandledError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unhandled exception: %s", e.ClassName)
	}
	return fmt.Sprintf("unhandled exception: %s: %s", e.ClassName, e.Message)
}
