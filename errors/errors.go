package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in the container lifecycle the error occurred
type Phase string

const (
	PhaseSetup        Phase = "setup"         // stdio, runtime, signal handling
	PhaseResolve      Phase = "resolve"       // image layers to locked app
	PhaseBind         Phase = "bind"          // application variables
	PhaseTriggerBuild Phase = "trigger-build" // executor construction
	PhaseTriggerRun   Phase = "trigger-run"   // executor after start
	PhasePrecompile   Phase = "precompile"    // layer compilation
)

// Kind categorizes the error
type Kind string

const (
	KindUnknownLayout   Kind = "unknown_layout"
	KindNotFound        Kind = "not_found"
	KindInvalidManifest Kind = "invalid_manifest"
	KindUnsetVariable   Kind = "unset_variable"
	KindInvalidValue    Kind = "invalid_value"
	KindUnsupportedKind Kind = "unsupported_kind"
	KindNoTriggers      Kind = "no_triggers"
	KindInvalidAddress  Kind = "invalid_address"
	KindRejected        Kind = "rejected"
	KindCompile         Kind = "compile"
	KindIO              Kind = "io"
	KindExited          Kind = "exited"
)

// Error is the structured error type used throughout the engine
type Error struct {
	Cause   error
	Phase   Phase
	Kind    Kind
	Subject string
	Detail  string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Subject != "" {
		b.WriteByte(' ')
		b.WriteString(e.Subject)
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

// Is reports whether target matches this error.
// An empty Kind on the target matches any kind within the phase.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if e.Phase != t.Phase {
			return false
		}
		return t.Kind == "" || e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Subject sets what the error is about
func (b *Builder) Subject(s string) *Builder {
	b.err.Subject = s
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindNotFound,
		Subject: name,
		Detail:  fmt.Sprintf("%s not found", what),
	}
}

// InvalidManifest creates a malformed locked application error
func InvalidManifest(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindInvalidManifest,
		Detail: detail,
		Cause:  cause,
	}
}

// Unsupported creates an unsupported trigger kind error
func Unsupported(kinds ...string) *Error {
	return &Error{
		Phase:   PhaseTriggerBuild,
		Kind:    KindUnsupportedKind,
		Subject: strings.Join(kinds, ", "),
		Detail:  "trigger type is not supported by this shim",
	}
}

// IO creates an I/O error
func IO(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// PhaseOf returns the phase of the first structured error in err's chain.
func PhaseOf(err error) (Phase, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Phase, true
	}
	return "", false
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}
