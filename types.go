// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"fmt"
	"reflect"
)

// Type describes the declared type of an argument or a return value.
type Type interface {
	String() string

	// Coerce checks that v is a value of this type, returning it unchanged or
	// converted.
	Coerce(v any) (any, error)

	// Decode decodes data produced by c into a value of this type.
	Decode(c Codec, data []byte) (any, error)
}

// TypeOf returns the Type for the Go type T.
func TypeOf[T any]() Type {
	return goType[T]{}
}

// AnyType accepts any value. Payloads decode into the codec's generic form.
var AnyType Type = goType[any]{}

type goType[T any] struct{}

func (goType[T]) String() string {
	return reflect.TypeFor[T]().String()
}

func (t goType[T]) Coerce(v any) (any, error) {
	if v == nil {
		var zero T
		if !canBeNil(reflect.TypeFor[T]()) {
			return nil, fmt.Errorf("%w: nil is not a valid %s", ErrDecode, t)
		}
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a valid %s", ErrDecode, v, t)
	}
	return out, nil
}

func (t goType[T]) Decode(c Codec, data []byte) (any, error) {
	var out T
	if len(data) == 0 {
		return t.Coerce(nil)
	}
	if err := c.Decode(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, t, err)
	}
	return out, nil
}

func canBeNil(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}
