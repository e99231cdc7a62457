// Package werrors defines the buffer's error kinds as sentinel values,
// in the style of the teacher's fmt.Errorf("...: %w", err) wrapping
// throughout internal/messages/store.go, so callers can test with
// errors.Is instead of matching on message text.
package werrors

import "errors"

// Kind identifies one of the error kinds enumerated in the design.
type Kind string

const (
	KindShutdownInProgress Kind = "SHUTDOWN_IN_PROGRESS"
	KindQueueFull          Kind = "QUEUE_FULL"
	KindDuplicateMessage   Kind = "DUPLICATE_MESSAGE"
	KindHandlerNotFound    Kind = "HANDLER_NOT_FOUND"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindMessageTimeout     Kind = "MESSAGE_TIMEOUT"
	KindMaxRetriesExceeded Kind = "MAX_RETRIES_EXCEEDED"
	KindInvalidMessage     Kind = "INVALID_MESSAGE"
	KindPersistenceFailure Kind = "PERSISTENCE_FAILURE"
)

// Sentinel errors, one per kind, for errors.Is comparisons.
var (
	ErrShutdownInProgress = errors.New(string(KindShutdownInProgress))
	ErrQueueFull          = errors.New(string(KindQueueFull))
	ErrDuplicateMessage   = errors.New(string(KindDuplicateMessage))
	ErrHandlerNotFound    = errors.New(string(KindHandlerNotFound))
	ErrCircuitOpen        = errors.New(string(KindCircuitOpen))
	ErrMessageTimeout     = errors.New(string(KindMessageTimeout))
	ErrMaxRetriesExceeded = errors.New(string(KindMaxRetriesExceeded))
	ErrInvalidMessage     = errors.New(string(KindInvalidMessage))
	ErrPersistenceFailure = errors.New(string(KindPersistenceFailure))
)

var kindToSentinel = map[Kind]error{
	KindShutdownInProgress: ErrShutdownInProgress,
	KindQueueFull:          ErrQueueFull,
	KindDuplicateMessage:   ErrDuplicateMessage,
	KindHandlerNotFound:    ErrHandlerNotFound,
	KindCircuitOpen:        ErrCircuitOpen,
	KindMessageTimeout:     ErrMessageTimeout,
	KindMaxRetriesExceeded: ErrMaxRetriesExceeded,
	KindInvalidMessage:     ErrInvalidMessage,
	KindPersistenceFailure: ErrPersistenceFailure,
}

// WrappedError carries a Kind plus an optional chain of retryability
// advice (§4.4 step 7 of the design), so the Processor and Coordinator
// can reason about retry without re-parsing error strings.
type WrappedError struct {
	Kind       Kind
	Err        error
	NoRetry    bool
	AttemptNum int
}

func (e *WrappedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *WrappedError) Unwrap() error {
	if sentinel, ok := kindToSentinel[e.Kind]; ok {
		return sentinel
	}
	return e.Err
}

// New wraps err with the given kind.
func New(kind Kind, err error) *WrappedError {
	return &WrappedError{Kind: kind, Err: err}
}

// NewNoRetry wraps err with the given kind, marked as non-retryable.
func NewNoRetry(kind Kind, err error) *WrappedError {
	return &WrappedError{Kind: kind, Err: err, NoRetry: true}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	sentinel, ok := kindToSentinel[kind]
	if !ok {
		return false
	}
	return errors.Is(err, sentinel)
}

// IsNoRetry reports whether err was explicitly marked non-retryable.
func IsNoRetry(err error) bool {
	var we *WrappedError
	if errors.As(err, &we) {
		return we.NoRetry
	}
	return false
}
