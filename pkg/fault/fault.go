package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure. Kinds are stable identifiers: they are
// persisted in job exception records and mapped to HTTP statuses by the API.
type Kind string

const (
	KindValidation              Kind = "ValidationError"
	KindNotFound                Kind = "NotFoundError"
	KindConflict                Kind = "ConflictError"
	KindPolicy                  Kind = "PolicyError"
	KindFetch                   Kind = "FetchError"
	KindPackageStaging          Kind = "PackageStagingError"
	KindPackageExecution        Kind = "PackageExecutionError"
	KindPackageOutputCollection Kind = "PackageOutputCollectionError"
	KindIOReconcile             Kind = "IOReconcileError"
	KindWorkflow                Kind = "WorkflowError"
	KindWorkflowCycle           Kind = "WorkflowCycleError"
	KindRemoteExecutor          Kind = "RemoteExecutorError"
	KindCancelled               Kind = "CancelledError"
	KindServiceUnavailable      Kind = "ServiceUnavailable"
	KindInternal                Kind = "InternalError"
)

// Error is an engine failure with a stable kind and an optional cause chain.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Summary returns the user-visible message for err. Internal faults are
// summarized so that no internal detail leaks; full detail stays in logs.
func Summary(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}
