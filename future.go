// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"weak"
)

// Future is a single-assignment container for the result of an asynchronous
// operation.
//
// A Future is completed with a value or failed with an error exactly once.
// Callbacks may be registered at any time; each runs exactly once, after the
// future settles, on whichever goroutine settled it (or on the registering
// goroutine if the future had already settled).
type Future struct {
	typ  Type
	done chan struct{}

	mu        sync.Mutex
	settled   bool
	value     any
	buffers   [][]byte
	err       error
	callbacks []func()
}

// NewFuture returns a pending future. If t is non-nil, values are coerced to t
// on completion.
func NewFuture(t Type) *Future {
	return &Future{
		typ:  t,
		done: make(chan struct{}),
	}
}

// CreateInstance returns a new pending future whose value is checked against t.
// It is used to bridge an untyped transport future to a typed result.
func (f *Future) CreateInstance(t Type) *Future {
	return NewFuture(t)
}

// Type returns the declared value type, or nil for an untyped future.
func (f *Future) Type() Type {
	return f.typ
}

// MarkCompleted settles f with v. The buffers are auxiliary data produced
// alongside the value, such as the raw response payload.
//
// If f is typed and v does not satisfy the type, f is failed with the
// coercion error instead, and that error is returned.
func (f *Future) MarkCompleted(v any, buffers ...[]byte) error {
	if f.typ != nil {
		c, err := f.typ.Coerce(v)
		if err != nil {
			if serr := f.settle(nil, nil, err); serr != nil {
				return serr
			}
			return err
		}
		v = c
	}
	return f.settle(v, buffers, nil)
}

// SetError fails f with err.
func (f *Future) SetError(err error) error {
	if err == nil {
		panic("distrpc: SetError called with a nil error")
	}
	return f.settle(nil, nil, err)
}

func (f *Future) settle(v any, buffers [][]byte, err error) error {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return ErrAlreadySettled
	}
	f.settled = true
	f.value = v
	f.buffers = buffers
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)

	for _, cb := range callbacks {
		cb()
	}
	// Callbacks reach f through weak pointers.
	runtime.KeepAlive(f)
	return nil
}

// AddCallback registers cb to run once f settles. If f has already settled
// cb runs immediately.
//
// A callback that needs f itself must not capture it directly; see Then for
// the weak-capture pattern.
func (f *Future) AddCallback(cb func()) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cb()
	runtime.KeepAlive(f)
}

// Then returns a future of type t that is settled with the result of fn once
// f settles. Buffers carry over from f on success.
func (f *Future) Then(fn func(*Future) (any, error), t Type) *Future {
	child := f.CreateInstance(t)
	wp := weak.Make(f)

	f.AddCallback(func() {
		parent := wp.Value()
		if parent == nil {
			return
		}

		v, err := fn(parent)
		if err != nil {
			child.SetError(err)
			return
		}
		child.MarkCompleted(v, parent.Buffers()...)
	})

	return child
}

// Done returns a channel that is closed when f settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Completed returns true if f has settled, successfully or not.
func (f *Future) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// HasError returns true if f settled with an error.
func (f *Future) HasError() bool {
	return f.Err() != nil
}

// Err returns the error f failed with, or nil if it is pending or succeeded.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Value returns the value f completed with, or nil if it is pending or failed.
func (f *Future) Value() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Buffers returns the auxiliary data f completed with.
func (f *Future) Buffers() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffers
}

// Wait blocks until f settles or ctx is canceled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Await waits for f and asserts its value to T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T

	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}

	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: future holds %T, not %T", ErrDecode, v, zero)
	}
	return out, nil
}

// failedFuture returns a future that has already failed with err.
func failedFuture(err error) *Future {
	f := NewFuture(nil)
	f.SetError(err)
	return f
}
