// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompleteOnce(t *testing.T) {
	f := NewFuture(nil)
	require.False(t, f.Completed())

	require.NoError(t, f.MarkCompleted("v", []byte("buf")))
	require.True(t, f.Completed())
	assert.False(t, f.HasError())
	assert.Equal(t, "v", f.Value())
	assert.Equal(t, [][]byte{[]byte("buf")}, f.Buffers())

	require.ErrorIs(t, f.MarkCompleted("w"), ErrAlreadySettled)
	require.ErrorIs(t, f.SetError(errors.New("late")), ErrAlreadySettled)
	assert.Equal(t, "v", f.Value(), "a settled future never changes")
	assert.NoError(t, f.Err())
}

func TestFutureFailOnce(t *testing.T) {
	f := NewFuture(nil)
	cause := errors.New("boom")

	require.NoError(t, f.SetError(cause))
	assert.True(t, f.HasError())
	assert.Same(t, cause, f.Err())
	assert.Nil(t, f.Value())

	require.ErrorIs(t, f.SetError(errors.New("again")), ErrAlreadySettled)
	require.ErrorIs(t, f.MarkCompleted(1), ErrAlreadySettled)
	assert.Same(t, cause, f.Err())
}

func TestFutureSetNilErrorPanics(t *testing.T) {
	assert.Panics(t, func() { NewFuture(nil).SetError(nil) })
}

func TestFutureCallbackOrder(t *testing.T) {
	f := NewFuture(nil)

	var order []int
	for i := 0; i < 5; i++ {
		f.AddCallback(func() { order = append(order, i) })
	}
	require.NoError(t, f.MarkCompleted(nil))

	// Registered after settlement: runs immediately.
	f.AddCallback(func() { order = append(order, 5) })

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5}, order); diff != "" {
		t.Errorf("callback order (-want +got):\n%s", diff)
	}
}

func TestFutureCallbacksRunOnce(t *testing.T) {
	f := NewFuture(nil)

	var runs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.AddCallback(func() { runs.Add(1) })
		}()
	}

	var settled atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.MarkCompleted(i) == nil {
				settled.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), settled.Load(), "exactly one settle wins")
	assert.Equal(t, int32(32), runs.Load())
}

func TestFutureCallbackSeesSettledState(t *testing.T) {
	f := NewFuture(nil)

	var seen error
	f.AddCallback(func() { seen = f.Err() })

	cause := errors.New("boom")
	require.NoError(t, f.SetError(cause))
	assert.Same(t, cause, seen)
}

func TestFutureTypedCoercion(t *testing.T) {
	f := NewFuture(nil).CreateInstance(TypeOf[int]())
	assert.Equal(t, TypeOf[int]().String(), f.Type().String())

	err := f.MarkCompleted("not an int")
	require.ErrorIs(t, err, ErrDecode)
	require.True(t, f.Completed())
	require.ErrorIs(t, f.Err(), ErrDecode, "coercion failure settles the future")

	g := NewFuture(TypeOf[int]())
	require.NoError(t, g.MarkCompleted(4))
	assert.Equal(t, 4, g.Value())

	p := NewFuture(TypeOf[*int]())
	require.NoError(t, p.MarkCompleted(nil))
	assert.Nil(t, p.Value())

	n := NewFuture(TypeOf[int]())
	require.ErrorIs(t, n.MarkCompleted(nil), ErrDecode)
}

func TestFutureThen(t *testing.T) {
	f := NewFuture(nil)
	child := f.Then(func(parent *Future) (any, error) {
		if err := parent.Err(); err != nil {
			return nil, err
		}
		return parent.Value().(int) * 2, nil
	}, TypeOf[int]())

	require.NoError(t, f.MarkCompleted(21, []byte("raw")))
	require.True(t, child.Completed())
	assert.Equal(t, 42, child.Value())
	assert.Equal(t, [][]byte{[]byte("raw")}, child.Buffers())

	failed := NewFuture(nil)
	failedChild := failed.Then(func(parent *Future) (any, error) {
		return nil, parent.Err()
	}, nil)
	cause := errors.New("boom")
	require.NoError(t, failed.SetError(cause))
	assert.Same(t, cause, failedChild.Err())
}

func TestFutureWait(t *testing.T) {
	f := NewFuture(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.MarkCompleted("done")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	s, err := Await[string](ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "done", s)

	_, err = Await[int](ctx, f)
	require.ErrorIs(t, err, ErrDecode)
}

func TestFutureWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFuture(nil).Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFailedFuture(t *testing.T) {
	cause := errors.New("boom")
	f := failedFuture(cause)

	require.True(t, f.Completed())
	assert.Same(t, cause, f.Err())

	select {
	case <-f.Done():
	default:
		t.Fatal("Done is not closed for a settled future")
	}
}
