// Package errors provides custom error types for the relaysync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// KindNetwork marks transient connectivity or server failures. Retryable.
	KindNetwork Kind = "network"

	// KindValidation marks malformed or business-rule-violating payloads.
	// Never retried, always surfaced to the initiating caller.
	KindValidation Kind = "validation"

	// KindSync marks reconciliation pull/merge failures. Retryable.
	KindSync Kind = "sync"

	// KindConcurrentUpdate marks a write rejected because the remote row moved
	// under us. Triggers the conflict-resolution flow rather than generic retry.
	KindConcurrentUpdate Kind = "concurrent_update"
)

// Operation represents the type of sync operation during which an error occurred.
type Operation string

const (
	OpAttach    Operation = "attach"
	OpReconcile Operation = "reconcile"
	OpMutate    Operation = "mutate"
	OpEnqueue   Operation = "enqueue"
	OpDrain     Operation = "drain"
	OpPull      Operation = "pull"
	OpUpsert    Operation = "upsert"
	OpDelete    Operation = "delete"
	OpResolve   Operation = "conflict_resolve"
	OpSnapshot  Operation = "snapshot"
	OpSubscribe Operation = "subscribe"
	OpClose     Operation = "close"
)

// SyncError represents an error that occurred during synchronization.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "queue", "remote")
	Component string

	// Kind classifies the error
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a retryable network SyncError.
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNetwork,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a non-retryable validation SyncError.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewSyncFailure creates a retryable reconciliation SyncError.
func NewSyncFailure(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindSync,
		Op:        op,
		Component: "sync",
		Err:       cause,
		Retryable: true,
	}
}

// NewConcurrentUpdate creates a SyncError for a write rejected by the remote
// store because the row changed since the local version was observed. The
// conflicting versions and payload ride along in Metadata so the caller can
// hand them to the conflict resolver.
func NewConcurrentUpdate(op Operation, localVersion, remoteVersion string, payload interface{}, cause error) *SyncError {
	return &SyncError{
		Kind:      KindConcurrentUpdate,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: false,
		Metadata: map[string]interface{}{
			"local_version":  localVersion,
			"remote_version": remoteVersion,
			"payload":        payload,
		},
	}
}

// New creates a new SyncError.
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// Wrap attaches op and component to err, preserving the original error's kind
// and retryability if it is already a SyncError. If err is nil, returns nil.
func Wrap(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return &SyncError{
			Op:        op,
			Component: component,
			Kind:      syncErr.Kind,
			Err:       err,
			Retryable: syncErr.Retryable,
			Metadata:  syncErr.Metadata,
		}
	}
	return &SyncError{Op: op, Component: component, Err: err}
}

// IsRetryable checks if an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of a SyncError, or the empty Kind for other errors.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsValidation reports whether err carries KindValidation.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsConcurrentUpdate reports whether err carries KindConcurrentUpdate.
func IsConcurrentUpdate(err error) bool {
	return KindOf(err) == KindConcurrentUpdate
}
