package jobs

import (
	"errors"
	"fmt"
)

// Kind classifies a job operation failure. The same values are stored as the
// error kind of FAILED jobs.
type Kind string

const (
	KindInvalidModel      Kind = "InvalidModel"
	KindQueueFull         Kind = "QueueFull"
	KindDuplicateJobID    Kind = "DuplicateJobId"
	KindNotFound          Kind = "NotFound"
	KindAlreadyTerminal   Kind = "AlreadyTerminal"
	KindInvalidTransition Kind = "InvalidTransition"
	KindInvalidSignature  Kind = "InvalidSignature"
	KindDeliveryFailure   Kind = "DeliveryFailure"
	KindInvalidRequest    Kind = "InvalidRequest"
	KindStoreError        Kind = "StoreError"
	KindWorkerError       Kind = "WorkerError"
	KindExecutionTimeout  Kind = "ExecutionTimeout"
)

// Error is returned by every Service operation that fails for a domain reason.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind when target carries no message, so
// errors.Is(err, jobs.ErrNotFound) works for every not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidModel      = &Error{Kind: KindInvalidModel}
	ErrQueueFull         = &Error{Kind: KindQueueFull}
	ErrDuplicateJobID    = &Error{Kind: KindDuplicateJobID}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyTerminal   = &Error{Kind: KindAlreadyTerminal}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInvalidSignature  = &Error{Kind: KindInvalidSignature}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrStoreError        = &Error{Kind: KindStoreError}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
