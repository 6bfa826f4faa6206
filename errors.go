// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownWorker is returned when a destination name cannot be resolved.
	ErrUnknownWorker = errors.New("distrpc: unknown worker")

	// ErrSchemaMismatch is returned when a function schema does not declare
	// exactly one return value.
	ErrSchemaMismatch = errors.New("distrpc: schema mismatch")

	// ErrTransport wraps every failure reported by the agent, including timeouts.
	ErrTransport = errors.New("distrpc: transport failure")

	// ErrTimeout is wrapped together with ErrTransport when a call exceeds its
	// deadline.
	ErrTimeout = errors.New("distrpc: timeout")

	ErrDecode = errors.New("distrpc: decode error")
	ErrEncode = errors.New("distrpc: encode error")

	// ErrAlreadySettled is returned when a future is completed or failed twice.
	ErrAlreadySettled = errors.New("distrpc: future already settled")

	// ErrRemote is the sentinel every *RemoteError unwraps to.
	ErrRemote = errors.New("distrpc: remote error")

	ErrDuplicateFunction = errors.New("distrpc: function already registered")
	ErrUnknownFunction   = errors.New("distrpc: unknown function")
	ErrUnknownRRef       = errors.New("distrpc: unknown rref")
	ErrInvalidConfig     = errors.New("distrpc: invalid config")
)

// RemoteError is an error raised by the function on the destination worker,
// or by the destination's handling of the message.
type RemoteError struct {
	Worker  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("distrpc: error on %s: %s", e.Worker, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// transportError wraps err so it matches ErrTransport, and additionally
// ErrTimeout when timedOut is set.
func transportError(err error, timedOut bool) error {
	if timedOut {
		return fmt.Errorf("%w: %w: %v", ErrTransport, ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
