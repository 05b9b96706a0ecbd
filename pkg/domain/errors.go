package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrDuplicatePath     = errors.New("duplicate node path")
	ErrInvalidParent     = errors.New("invalid parent")
	ErrInvalidParams     = errors.New("invalid parameters")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrExecution         = errors.New("execution failed")
	ErrLazyExpansion     = errors.New("lazy expansion failed")
	ErrDataStore         = errors.New("data store failure")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// DuplicatePathError is returned when a child name is already taken under
// its parent.
type DuplicatePathError struct {
	Path string
}

func (e *DuplicatePathError) Error() string {
	return fmt.Sprintf("node %q already exists", e.Path)
}

func (e *DuplicatePathError) Unwrap() error {
	return ErrDuplicatePath
}

// InvalidParentError is returned when a child cannot be attached to the
// requested parent.
type InvalidParentError struct {
	Path   string
	Reason string
}

func (e *InvalidParentError) Error() string {
	return fmt.Sprintf("cannot add children to %q: %s", e.Path, e.Reason)
}

func (e *InvalidParentError) Unwrap() error {
	return ErrInvalidParent
}

// ResourceExhaustedError is backpressure from the container pool. It is not
// a node failure; the scheduler keeps the node queued and retries.
type ResourceExhaustedError struct {
	Resource string
	Detail   string
}

func (e *ResourceExhaustedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("resource exhausted: %s", e.Resource)
	}
	return fmt.Sprintf("resource exhausted: %s: %s", e.Resource, e.Detail)
}

func (e *ResourceExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}

// ExecutionError describes an Exec node that did not finish successfully:
// a nonzero exit, a container that could not be launched, or a timeout.
// ExitCode is -1 when the command never produced one.
type ExecutionError struct {
	Path     string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("exec %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("exec %s: exit code %d", e.Path, e.ExitCode)
	}
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// LazyExpansionError is attached to an Execute placeholder whose generator
// output could not be turned into a subtree.
type LazyExpansionError struct {
	Path string
	Err  error
}

func (e *LazyExpansionError) Error() string {
	return fmt.Sprintf("expand %s: %v", e.Path, e.Err)
}

func (e *LazyExpansionError) Is(target error) bool {
	return target == ErrLazyExpansion
}

func (e *LazyExpansionError) Unwrap() error {
	return e.Err
}

// DataStoreError wraps a failure of the data store backend.
type DataStoreError struct {
	Op  string
	Key string
	Err error
}

func (e *DataStoreError) Error() string {
	return fmt.Sprintf("data store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *DataStoreError) Is(target error) bool {
	return target == ErrDataStore
}

func (e *DataStoreError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the standard JSON error model returned by the control API.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., NODE_NOT_FOUND)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
