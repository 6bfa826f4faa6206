// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"fmt"
	"strings"
)

// QualifiedName is the dotted name a function is registered under, e.g.
// "ops.math.add".
type QualifiedName string

// Prefix returns everything before the last dot.
func (n QualifiedName) Prefix() string {
	if i := strings.LastIndexByte(string(n), '.'); i >= 0 {
		return string(n[:i])
	}
	return ""
}

// Name returns the final component of n.
func (n QualifiedName) Name() string {
	return string(n[strings.LastIndexByte(string(n), '.')+1:])
}

// Argument is a named, typed parameter or return value.
type Argument struct {
	Name string
	Type Type
}

// FunctionSchema declares a function's identity, parameters and returns.
type FunctionSchema struct {
	Name      QualifiedName
	Arguments []Argument
	Returns   []Argument
}

// ReturnType returns the type of the single declared return value.
//
// Calls made through this package only allow one returned value; any other
// arity fails with ErrSchemaMismatch.
func (s FunctionSchema) ReturnType() (Type, error) {
	if len(s.Returns) != 1 {
		return nil, fmt.Errorf(
			"%w: %s must declare a single return value, got %d",
			ErrSchemaMismatch,
			s.Name,
			len(s.Returns),
		)
	}
	t := s.Returns[0].Type
	if t == nil {
		t = AnyType
	}
	return t, nil
}

func (s FunctionSchema) argumentType(i int) Type {
	if i < len(s.Arguments) && s.Arguments[i].Type != nil {
		return s.Arguments[i].Type
	}
	return AnyType
}
