package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrInvalidPattern       = sterrors.New("nexbus: invalid event pattern")
	ErrNotInitialized       = sterrors.New("nexbus: event bus is not initialized")
	ErrShutdownInProgress   = sterrors.New("nexbus: event bus is shutting down")
	ErrInitializationFailed = sterrors.New("nexbus: event bus initialization failed")
	ErrDuplicateInstance    = sterrors.New("nexbus: instance already exists")
	ErrFactoryDestroyed     = sterrors.New("nexbus: factory has been destroyed")
	ErrInstanceNotFound     = sterrors.New("nexbus: instance not found")
	ErrSharedDependency     = sterrors.New("nexbus: stateful dependency cannot be shared between instances")
	ErrInstancePaused       = sterrors.New("nexbus: event bus is paused")
	ErrHandlerRequired      = sterrors.New("nexbus: handler is required")
	ErrPayloadRejected      = sterrors.New("nexbus: payload rejected")
	ErrHandlerTimeout       = sterrors.New("nexbus: handler timed out")
	ErrHandlerPanic         = sterrors.New("nexbus: handler panicked")
	ErrCircuitOpen          = sterrors.New("nexbus: handler circuit is open")
	ErrStoreClosed          = sterrors.New("nexbus: event store is closed")
	ErrUnknownStore         = sterrors.New("nexbus: unknown event store driver")
	ErrConfigRequired       = sterrors.New("nexbus: configuration is required")
)

// InvalidPatternError reports a pattern that failed structural validation.
type InvalidPatternError struct {
	Pattern    string
	Reason     string
	InstanceID string
}

func (e *InvalidPatternError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("nexbus: invalid event pattern %q on instance %s: %s", e.Pattern, e.InstanceID, e.Reason)
	}
	return fmt.Sprintf("nexbus: invalid event pattern %q: %s", e.Pattern, e.Reason)
}

func (e *InvalidPatternError) Is(target error) bool {
	return target == ErrInvalidPattern
}

// InitializationError wraps the cause of a failed Init call.
type InitializationError struct {
	InstanceID string
	Cause      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("nexbus: initialization of instance %s failed: %v", e.InstanceID, e.Cause)
}

func (e *InitializationError) Unwrap() error {
	return e.Cause
}

func (e *InitializationError) Is(target error) bool {
	return target == ErrInitializationFailed
}

// DuplicateInstanceError is returned when a factory already tracks an instance id.
type DuplicateInstanceError struct {
	FactoryID  string
	InstanceID string
}

func (e *DuplicateInstanceError) Error() string {
	return fmt.Sprintf("nexbus: instance %s already exists in factory %s", e.InstanceID, e.FactoryID)
}

func (e *DuplicateInstanceError) Is(target error) bool {
	return target == ErrDuplicateInstance
}

// LifecycleError attaches the operation and instance id to a lifecycle sentinel
// such as ErrNotInitialized or ErrShutdownInProgress.
type LifecycleError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s on instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "nexbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}
