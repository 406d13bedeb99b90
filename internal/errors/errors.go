// Package errors provides the error taxonomy shared by the BMFMC packages.
//
// Every error produced by the analysis carries a Kind so that callers can
// separate configuration mistakes from data problems without string matching:
//
//	if errors.Is(err, apperrors.ErrConfig) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error.
type Kind uint8

const (
	// KindInternal is used when nothing more specific applies.
	KindInternal Kind = iota
	// KindConfig marks invalid or inconsistent analysis settings.
	KindConfig
	// KindData marks missing files, malformed data and failed row lookups.
	KindData
	// KindNotImplemented marks operations that are deliberately unsupported.
	KindNotImplemented
	// KindNumerical marks numerical failures that could not be handled locally.
	KindNumerical
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration error"
	case KindData:
		return "data error"
	case KindNotImplemented:
		return "not implemented"
	case KindNumerical:
		return "numerical error"
	default:
		return "internal error"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrConfig         = &Error{Kind: KindConfig, Message: KindConfig.String()}
	ErrData           = &Error{Kind: KindData, Message: KindData.String()}
	ErrNotImplemented = &Error{Kind: KindNotImplemented, Message: KindNotImplemented.String()}
	ErrNumerical      = &Error{Kind: KindNumerical, Message: KindNumerical.String()}
)

// Error represents an error with context and stack trace.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder

	if e.Component != "" {
		builder.WriteString(e.Component)
	}
	if e.Operation != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Operation)
	}
	if e.Message != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Message)
	}
	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	switch t {
	case ErrConfig, ErrData, ErrNotImplemented, ErrNumerical:
		return e.Kind == t.Kind
	}
	return e == t
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps err with a message. The kind of a wrapped *Error is kept
// unless kind is more specific than KindInternal.
// If err is nil, Wrap returns nil.
func Wrap(err error, kind Kind, msg string) *Error {
	if err == nil {
		return nil
	}

	if kind == KindInternal {
		kind = KindOf(err)
	}
	return &Error{
		Kind:    kind,
		Err:     err,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// Config is shorthand for a configuration error raised by component/op.
func Config(component, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindConfig,
		Message:   fmt.Sprintf(format, args...),
		Component: component,
		Operation: op,
		Stack:     getStackTrace(),
	}
}

// Data is shorthand for a data error raised by component/op.
func Data(component, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindData,
		Message:   fmt.Sprintf(format, args...),
		Component: component,
		Operation: op,
		Stack:     getStackTrace(),
	}
}

// NotImplemented is shorthand for an unsupported operation.
func NotImplemented(component, op, msg string) *Error {
	return &Error{
		Kind:      KindNotImplemented,
		Message:   msg,
		Component: component,
		Operation: op,
		Stack:     getStackTrace(),
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}
