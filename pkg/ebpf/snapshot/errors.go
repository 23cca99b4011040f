// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package snapshot

import (
	"errors"
	"fmt"
	"syscall"
)

// LoadError wraps failures opening, loading, or attaching the probe object.
// It is fatal to the Handle instance: the host must retry with a fresh
// Handle (possibly pointing at a different object), not retry the same op.
type LoadError struct {
	Op  string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("ebpf snapshot: %s: %v", e.Op, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// MapError wraps a failed map operation: not-found, a Handle used in the
// wrong state, or a failure returned by the underlying map syscall. A plain
// MapError is not retryable; classifyMapError wraps the transient ones in
// retryableMapError.
type MapError struct {
	Op  string
	Map string
	Err error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("ebpf snapshot: %s on map %q: %v", e.Op, e.Map, e.Err)
}

func (e *MapError) Unwrap() error {
	return e.Err
}

// retryableMapError marks a MapError as worth a backoff retry, the same way
// the teacher's indexer wraps a failed relationship lookup in
// errors.NewRetryable before returning it to its workqueue: retryability is
// decided once, at the point the error is classified, not by the error type
// itself.
type retryableMapError struct {
	*MapError
}

func (e *retryableMapError) Retryable() {}

func (e *retryableMapError) Unwrap() error {
	return e.MapError
}

// classifyMapError builds the MapError for a failed op against name,
// wrapping it as retryable when cause is one of the transient kernel errnos
// (EAGAIN, EINTR, ENOMEM, EBUSY) a batch syscall can return under momentary
// pressure. Anything else -- a bad map type, an unmapped key size, ENODEV --
// is permanent: retrying it burns a drain cycle for no benefit.
func classifyMapError(op, name string, cause error) error {
	mapErr := &MapError{Op: op, Map: name, Err: cause}
	if isTransientErrno(cause) {
		return &retryableMapError{mapErr}
	}
	return mapErr
}

func isTransientErrno(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EAGAIN, syscall.EINTR, syscall.ENOMEM, syscall.EBUSY:
		return true
	default:
		return false
	}
}
