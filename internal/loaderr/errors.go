// Package loaderr is the error taxonomy of the private loader.
package loaderr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes the error
type Kind string

const (
	KindConfig    Kind = "config"    // static-TLS budget, late TLS registration, bad config
	KindLoad      Kind = "load"      // a module could not be mapped or linked
	KindRuntime   Kind = "runtime"   // third-party code faulted or reported failure
	KindInvariant Kind = "invariant" // isolation state drifted
)

var (
	ErrNotFound       = errors.New("module not found")
	ErrBitness        = errors.New("image bitness does not match host")
	ErrNotRelocatable = errors.New("image is not relocatable")
	ErrMalformed      = errors.New("malformed image")
	ErrMissingImport  = errors.New("missing import")
	ErrTLSBudget      = errors.New("static TLS slot budget exceeded")
	ErrTLSFrozen      = errors.New("static TLS registration after first thread")
	ErrEntryFailed    = errors.New("entry point reported failure")
	ErrFault          = errors.New("fault in foreign code")
	ErrNotLoaded      = errors.New("module not loaded")
)

// Error is the structured error type used throughout the loader
type Error struct {
	Kind   Kind
	Op     string
	Module string
	Detail string
	Cause  error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	b.WriteString(e.Op)

	if e.Module != "" {
		b.WriteByte(' ')
		b.WriteString(e.Module)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind && (t.Op == "" || t.Op == e.Op)
	}
	return false
}

func newf(kind Kind, op, module string, cause error, detail string, args []any) *Error {
	e := &Error{Kind: kind, Op: op, Module: module, Cause: cause}
	if len(args) > 0 {
		e.Detail = fmt.Sprintf(detail, args...)
	} else {
		e.Detail = detail
	}
	return e
}

// Load creates a load-time error for module.
func Load(op, module string, cause error, detail string, args ...any) *Error {
	return newf(KindLoad, op, module, cause, detail, args)
}

// Config creates a configuration error.
func Config(op, module string, cause error, detail string, args ...any) *Error {
	return newf(KindConfig, op, module, cause, detail, args)
}

// Runtime creates an error for failed third-party code.
func Runtime(op, module string, cause error, detail string, args ...any) *Error {
	return newf(KindRuntime, op, module, cause, detail, args)
}

// Invariant creates an isolation invariant error.
func Invariant(op string, detail string, args ...any) *Error {
	return newf(KindInvariant, op, "", nil, detail, args)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
