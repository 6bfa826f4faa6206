// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"errors"
	"fmt"
	"time"
	"weak"

	"go.uber.org/zap"
)

// CallRemote runs the function described by schema on the worker named dst
// and returns a future of its result.
//
// Resolution and schema errors are returned synchronously and nothing is
// sent. Every failure after the message is handed to the agent, including
// timeouts, settles the returned future instead.
func (c *Client) CallRemote(
	ctx context.Context,
	dst string,
	schema FunctionSchema,
	args []any,
	opts ...CallOption,
) (*Future, error) {
	o := c.callOptions(opts)

	to, err := c.agent.WorkerInfo(dst)
	if err != nil {
		return nil, err
	}
	retType, err := schema.ReturnType()
	if err != nil {
		return nil, err
	}

	d, err := NewScriptCall(schema, args, o.async)
	if err != nil {
		return nil, err
	}
	msg, err := d.ToMessage(c.codec)
	if err != nil {
		return nil, err
	}

	ctx, span := c.enterProfiling(ctx, schema.Name, to)

	logger := c.logger.With(
		zap.Stringer("call_id", d.CallID()),
		zap.String("function", string(schema.Name)),
		zap.Stringer("worker", to),
	)
	logger.Debug("dispatching call", zap.Duration("timeout", o.timeout))

	start := time.Now()
	f := sendMessageWithAutograd(ctx, c.agent, to, msg, true, o.timeout)
	r := f.CreateInstance(retType)

	codec, metrics := c.codec, c.metrics
	wf := weak.Make(f)
	f.AddCallback(func() {
		f := wf.Value()
		if f == nil {
			return
		}

		var v any
		err := f.Err()
		if err == nil {
			v, err = decodeResponse(codec, f.Value(), retType)
		}
		if err != nil {
			r.SetError(err)
		} else {
			// A value that does not coerce to retType fails r.
			err = r.MarkCompleted(v, f.Buffers()...)
		}
		if err != nil {
			logger.Debug("call failed", zap.Error(err))
		}
		metrics.observeCall(kindCall, start, err)
	})

	if span != nil {
		return endSpanOnFuture(span, r), nil
	}
	return r, nil
}

// RemoteRef runs the function described by schema on the worker named dst and
// returns a reference to its result. The reference is usable immediately; its
// value is held by dst.
//
// When dst is the calling worker the returned reference is the owner of the
// value. Otherwise it is a user whose fork is confirmed once dst has created
// the value.
func (c *Client) RemoteRef(
	ctx context.Context,
	dst string,
	schema FunctionSchema,
	args []any,
	opts ...CallOption,
) (*RRef, error) {
	o := c.callOptions(opts)

	to, err := c.agent.WorkerInfo(dst)
	if err != nil {
		return nil, err
	}
	retType, err := schema.ReturnType()
	if err != nil {
		return nil, err
	}

	if to.ID != c.agent.CurrentWorker().ID {
		return c.remoteRefToUser(ctx, to, schema, args, retType, o)
	}
	return c.remoteRefToOwner(ctx, to, schema, args, retType, o)
}

func (c *Client) remoteRefToUser(
	ctx context.Context,
	to WorkerInfo,
	schema FunctionSchema,
	args []any,
	retType Type,
	o callOptions,
) (*RRef, error) {
	ref := c.registry.CreateUserRRef(to.ID, retType)
	forkID := ref.ForkID()

	d, err := NewScriptRemoteCall(schema, args, ref.ID(), forkID, o.async)
	if err != nil {
		return nil, err
	}

	// The fork is pending before any message naming it can leave the process.
	c.registry.AddPendingUser(forkID, ref)

	msg, err := d.ToMessage(c.codec)
	if err != nil {
		c.registry.ReleasePendingUser(forkID, err)
		return nil, err
	}

	logger := c.logger.With(
		zap.Stringer("call_id", d.CallID()),
		zap.String("function", string(schema.Name)),
		zap.Stringer("worker", to),
		zap.Stringer("rref_id", ref.ID()),
		zap.Stringer("fork_id", forkID),
	)
	logger.Debug("dispatching remote call for user rref")

	start := time.Now()
	f := sendMessageWithAutograd(ctx, c.agent, to, msg, true, o.timeout)

	// The creation succeeds only once the owner acknowledges this very fork.
	rrefID, codec := ref.ID(), c.codec
	creation := f.Then(func(reply *Future) (any, error) {
		if err := reply.Err(); err != nil {
			return nil, err
		}
		if err := checkRemoteRet(codec, reply.Value(), rrefID, forkID); err != nil {
			return nil, err
		}
		return reply.Value(), nil
	}, nil)
	ref.RegisterOwnerCreationFuture(creation)

	registry, metrics := c.registry, c.metrics
	wc := weak.Make(creation)
	creation.AddCallback(func() {
		creation := wc.Value()
		if creation == nil {
			return
		}

		err := creation.Err()
		metrics.observeCall(kindRemote, start, err)
		if err != nil {
			logger.Debug("user rref creation failed", zap.Error(err))
			registry.ReleasePendingUser(forkID, err)
			// A remote exception means the owner already dropped the fork.
			// Otherwise it may hold the fork, or record it later.
			if !errors.Is(err, ErrRemote) {
				go c.notifyUserDelete(to, rrefID, forkID, logger)
			}
			return
		}
		registry.ConfirmPendingUser(forkID)
	})

	return ref, nil
}

// notifyUserDelete tells the owner to forget a fork whose creation failed on
// this side.
func (c *Client) notifyUserDelete(to WorkerInfo, rrefID RRefID, forkID ForkID, logger *zap.Logger) {
	msg, err := encodeMessage(c.codec, MessageRRefUserDelete, rrefWire{RRefID: rrefID, ForkID: forkID})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		err = c.agent.Notify(ctx, to, msg)
	}
	if err != nil {
		logger.Warn("owner not told to delete fork", zap.Error(err))
	}
}

// checkRemoteRet verifies that v is the owner's acknowledgement of forkID.
func checkRemoteRet(c Codec, v any, rrefID RRefID, forkID ForkID) error {
	m, ok := v.(*Message)
	if !ok || m == nil || m.Type != MessageRemoteRet {
		return fmt.Errorf("%w: expected %s for fork %s", ErrDecode, MessageRemoteRet, forkID)
	}

	var w remoteRetWire
	if err := decodePayload(c, m, &w); err != nil {
		return err
	}
	if w.RRefID != rrefID || w.ForkID != forkID {
		return fmt.Errorf(
			"%w: %s acknowledges rref %s fork %s, expected rref %s fork %s",
			ErrDecode, MessageRemoteRet, w.RRefID, w.ForkID, rrefID, forkID,
		)
	}
	return nil
}

func (c *Client) remoteRefToOwner(
	ctx context.Context,
	to WorkerInfo,
	schema FunctionSchema,
	args []any,
	retType Type,
	o callOptions,
) (*RRef, error) {
	ref := c.registry.CreateOwnerRRef(retType)
	id := ref.ID()

	// Keeps the owner alive while the call creating its value is outstanding.
	c.registry.AddSelfAsFork(ref)

	d, err := NewScriptRemoteCall(schema, args, id, id, o.async)
	if err == nil {
		var msg *Message
		if msg, err = d.ToMessage(c.codec); err == nil {
			c.sendOwnerCreation(ctx, to, d, msg, ref, o)
			return ref, nil
		}
	}

	c.registry.FinishCreatingOwnerRRef(id, nil, nil, err)
	return nil, err
}

func (c *Client) sendOwnerCreation(
	ctx context.Context,
	to WorkerInfo,
	d *Descriptor,
	msg *Message,
	ref *RRef,
	o callOptions,
) {
	id := ref.ID()
	retType := ref.Type()

	logger := c.logger.With(
		zap.Stringer("call_id", d.CallID()),
		zap.String("function", string(d.Function())),
		zap.Stringer("worker", to),
		zap.Stringer("rref_id", id),
	)
	logger.Debug("dispatching remote call for owner rref")

	start := time.Now()
	f := sendMessageWithAutograd(ctx, c.agent, to, msg, true, o.timeout)
	ref.RegisterOwnerCreationFuture(f)

	registry, codec, metrics := c.registry, c.codec, c.metrics
	wf := weak.Make(f)
	f.AddCallback(func() {
		f := wf.Value()
		if f == nil {
			return
		}

		var v any
		err := f.Err()
		if err == nil {
			v, err = decodeResponse(codec, f.Value(), retType)
		}
		metrics.observeCall(kindRemote, start, err)
		if err != nil {
			logger.Debug("owner rref creation failed", zap.Error(err))
			registry.FinishCreatingOwnerRRef(id, nil, nil, err)
			return
		}
		registry.FinishCreatingOwnerRRef(id, v, f.Buffers(), nil)
	})
}

// enterProfiling opens a span around a call unless profiling is disabled or
// ctx is already inside a profiled call. The returned span is nil when none
// was opened.
func (c *Client) enterProfiling(ctx context.Context, fn QualifiedName, to WorkerInfo) (context.Context, Span) {
	if !c.profiler.Enabled() {
		return ctx, nil
	}
	if _, ok := profilingKeyFromContext(ctx); ok {
		return ctx, nil
	}

	key := rpcProfilingKey(fn, c.agent.CurrentWorker().Name, to.Name)
	ctx, span := c.profiler.Enter(ctx, key)
	return withProfilingKey(ctx, key), &onceSpan{span: span}
}
