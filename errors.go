package dialect

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound      = errors.New("record not found")
	ErrConflict      = errors.New("concurrent modification detected")
	ErrInvalidData   = errors.New("invalid data format")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidTuple  = errors.New("invalid tuple")
	ErrInvalidNested = errors.New("nested value is not a structured container")

	// Mapping and query errors
	ErrUnsupportedMapping = errors.New("unsupported mapping")
	ErrNotImplemented     = errors.New("not implemented")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrUnknownEntity      = errors.New("unknown entity")
	ErrUnknownProperty    = errors.New("unknown property")
	ErrMissingParameter   = errors.New("missing query parameter")

	// Backend errors
	ErrBackendExecution   = errors.New("backend execution failed")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnsupportedOp      = errors.New("operation not supported by backend")
	ErrIDGeneration       = errors.New("id generation failed")

	// Lock errors
	ErrLockHeld     = errors.New("lock already held by another process")
	ErrLockTimeout  = errors.New("failed to acquire lock within timeout")
	ErrLockReleased = errors.New("lock was already released")

	// Session errors
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionBusy       = errors.New("session already in use by another goroutine")
	ErrTransactionActive = errors.New("transaction already active")
	ErrNoTransaction     = errors.New("no active transaction")
	ErrCursorClosed      = errors.New("cursor closed")
	ErrRollbackFailed    = errors.New("transaction rollback failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Reasons carried by StaleObjectError.
const (
	StaleVersionMismatch  = "version mismatch"
	StaleRecordRemoved    = "record removed"
	StaleConcurrentInsert = "concurrent insert"
	StaleRecordVanished   = "record vanished"
)

// StaleObjectError reports a lost optimistic-lock race or an impossible write state.
// It matches ErrConflict.
type StaleObjectError struct {
	Table    string
	Key      string
	Reason   string
	Expected interface{}
	Observed interface{}
}

func (e *StaleObjectError) Error() string {
	subject := e.Key
	if subject == "" {
		subject = e.Table
	}
	msg := fmt.Sprintf("stale object %s: %s", subject, e.Reason)
	if e.Expected != nil || e.Observed != nil {
		msg += fmt.Sprintf(" (expected version %v, observed %v)", e.Expected, e.Observed)
	}
	return msg
}

func (e *StaleObjectError) Is(target error) bool {
	return target == ErrConflict
}

// BackendError wraps a backend failure with the native statement that caused it.
type BackendError struct {
	Backend   string
	Statement string
	Cause     error
}

func (e *BackendError) Error() string {
	if e.Statement == "" {
		return fmt.Sprintf("%s: %v", e.Backend, e.Cause)
	}
	return fmt.Sprintf("%s: executing %q: %v", e.Backend, e.Statement, e.Cause)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendExecution
}

// IDGenerationError is fatal for the enclosing write.
type IDGenerationError struct {
	Source string
	Cause  error
}

func (e *IDGenerationError) Error() string {
	return fmt.Sprintf("id generation for %s failed: %v", e.Source, e.Cause)
}

func (e *IDGenerationError) Unwrap() error {
	return e.Cause
}

func (e *IDGenerationError) Is(target error) bool {
	return target == ErrIDGeneration
}

// UnsupportedMappingError names the path or construct that cannot be mapped.
type UnsupportedMappingError struct {
	Path   string
	Detail string
	// NotImplemented marks constructs that are valid mappings but have no translation yet.
	NotImplemented bool
}

func (e *UnsupportedMappingError) Error() string {
	if e.NotImplemented {
		return fmt.Sprintf("not implemented: %s: %s", e.Path, e.Detail)
	}
	return fmt.Sprintf("unsupported mapping: %s: %s", e.Path, e.Detail)
}

func (e *UnsupportedMappingError) Is(target error) bool {
	if target == ErrUnsupportedMapping {
		return true
	}
	return e.NotImplemented && target == ErrNotImplemented
}

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// wrapBackend translates a native failure into a *BackendError with a stack trace.
// Errors that are already typed by this package pass through unchanged.
func wrapBackend(backend, statement string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) || IsConflict(err) || IsUnsupported(err) || IsIDGenerationFailure(err) {
		return err
	}
	return pkgerrors.WithStack(&BackendError{Backend: backend, Statement: statement, Cause: err})
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a stale-object/concurrent modification error.
// Id generation failures never count, whatever their cause.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) && !errors.Is(err, ErrIDGeneration)
}

// IsUnsupported checks if an error is a modeling gap reported at translation time
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedMapping) || errors.Is(err, ErrNotImplemented)
}

// IsBackendFailure checks if an error came from a rejected statement or a connection fault
func IsBackendFailure(err error) bool {
	return errors.Is(err, ErrBackendExecution) || errors.Is(err, ErrBackendUnavailable)
}

// IsIDGenerationFailure checks if an error aborted id allocation
func IsIDGenerationFailure(err error) bool {
	return errors.Is(err, ErrIDGeneration)
}

// IsRetryable checks if an error is safe to retry above this layer.
// Only conflicts and transient unavailability qualify; backend failures and id generation
// failures are never retried here.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrIDGeneration) {
		return false
	}
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout)
}
