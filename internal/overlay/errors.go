package overlay

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// Overlay error taxonomy. Callers see a single uniform storage interface;
// which backing store produced a failure is never exposed as a distinct
// error class.
var (
	// ErrNotFound reports an object that is absent from the overlay view,
	// including objects hidden by a tombstone.
	ErrNotFound = fmt.Errorf("object: %w", cerrdefs.ErrNotFound)

	// ErrContainerUnavailable reports a container that neither backing
	// store holds.
	ErrContainerUnavailable = fmt.Errorf("container unavailable: %w", cerrdefs.ErrNotFound)

	// ErrNotImplemented reports an operation this layer deliberately does
	// not support (container deletion, cross-container copy, ACLs).
	ErrNotImplemented = cerrdefs.ErrNotImplemented
)

// BackendError wraps a failure from one of the backing stores, including
// tombstone bookkeeping failures, which must never be swallowed because an
// inconsistent tombstone state breaks the masking invariant.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// backendErr wraps err as a BackendError for operation op.
func backendErr(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}

// IsBackendFailure reports whether err wraps a backing-store failure.
func IsBackendFailure(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// IsNotFound reports whether err is any of the overlay's not-found results.
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}
