// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"fmt"

	"github.com/google/uuid"
)

// Descriptor is an immutable description of a single invocation.
//
// A plain descriptor carries the function, its arguments and the
// async-execution flag. A remote descriptor additionally carries the ids of
// the reference being created by the call.
type Descriptor struct {
	callID   uuid.UUID
	function QualifiedName
	args     []any
	async    bool

	remote bool
	rrefID RRefID
	forkID ForkID
}

// NewScriptCall builds a plain call descriptor.
func NewScriptCall(schema FunctionSchema, args []any, async bool) (*Descriptor, error) {
	if _, err := schema.ReturnType(); err != nil {
		return nil, err
	}

	return &Descriptor{
		callID:   uuid.New(),
		function: schema.Name,
		args:     append([]any(nil), args...),
		async:    async,
	}, nil
}

// NewScriptRemoteCall builds a descriptor for a call whose result is held by
// the reference identified by rrefID. forkID is the fork being created by the
// call; it equals rrefID when the caller owns the result.
func NewScriptRemoteCall(
	schema FunctionSchema,
	args []any,
	rrefID RRefID,
	forkID ForkID,
	async bool,
) (*Descriptor, error) {
	d, err := NewScriptCall(schema, args, async)
	if err != nil {
		return nil, err
	}

	d.remote = true
	d.rrefID = rrefID
	d.forkID = forkID
	return d, nil
}

func (d *Descriptor) CallID() uuid.UUID       { return d.callID }
func (d *Descriptor) Function() QualifiedName { return d.function }
func (d *Descriptor) IsAsync() bool           { return d.async }

// IsRemote returns true if the call creates a reference.
func (d *Descriptor) IsRemote() bool { return d.remote }

func (d *Descriptor) RRefID() RRefID { return d.rrefID }
func (d *Descriptor) ForkID() ForkID { return d.forkID }

// Args returns a copy of the argument list.
func (d *Descriptor) Args() []any {
	return append([]any(nil), d.args...)
}

// ToMessage encodes d into a message.
func (d *Descriptor) ToMessage(c Codec) (*Message, error) {
	w := callWire{
		Function: d.function,
		Async:    d.async,
		Args:     make([][]byte, len(d.args)),
	}

	for i, arg := range d.args {
		data, err := c.Encode(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d of %s: %v", ErrEncode, i, d.function, err)
		}
		w.Args[i] = data
	}

	t := MessageScriptCall
	if d.remote {
		t = MessageScriptRemoteCall
		rrefID, forkID := d.rrefID, d.forkID
		w.RRefID = &rrefID
		w.ForkID = &forkID
	}

	m, err := encodeMessage(c, t, w)
	if err != nil {
		return nil, err
	}
	m.ID = d.callID
	return m, nil
}
