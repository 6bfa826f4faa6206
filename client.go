// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Client is the caller-facing surface: it dispatches calls and reference
// creations to workers through an Agent and keeps a Registry up to date.
//
// A Client is safe for concurrent use.
type Client struct {
	agent    Agent
	registry Registry
	codec    Codec
	profiler Profiler
	logger   *zap.Logger
	metrics  *Metrics
	timeout  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithProfiler sets the profiler that opens spans around calls.
func WithProfiler(p Profiler) ClientOption {
	return func(c *Client) { c.profiler = p }
}

// WithMetrics sets the collectors updated as calls settle.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithCodec sets the codec for arguments and results. It must match the codec
// of the destination's executor.
func WithCodec(codec Codec) ClientOption {
	return func(c *Client) { c.codec = codec }
}

// WithDefaultTimeout sets the timeout of calls that do not set their own.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient returns a client dispatching through agent.
func NewClient(agent Agent, registry Registry, opts ...ClientOption) *Client {
	c := &Client{
		agent:    agent,
		registry: registry,
		codec:    defaultCodec,
		profiler: NopProfiler{},
		logger:   zap.NewNop(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	async   bool
}

// WithTimeout bounds the call. A non-positive duration selects the client's
// default timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithAsyncExecution marks the function as returning a *Future on the
// destination; the result is the value of that future.
func WithAsyncExecution() CallOption {
	return func(o *callOptions) { o.async = true }
}

func (c *Client) callOptions(opts []CallOption) callOptions {
	o := callOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = c.timeout
	}
	return o
}

// ToHere returns the value held by ref, fetching it from the owner if ref is
// a user. It fails if the call that created the value failed.
func (c *Client) ToHere(ctx context.Context, ref *RRef, opts ...CallOption) (any, error) {
	if ref.IsOwner() {
		return ref.valueFuture().Wait(ctx)
	}

	if creation := ref.CreationFuture(); creation != nil {
		if _, err := creation.Wait(ctx); err != nil {
			return nil, err
		}
	}

	to, err := c.agent.WorkerInfoByID(ref.OwnerID())
	if err != nil {
		return nil, err
	}

	msg, err := encodeMessage(c.codec, MessageRRefFetch, rrefWire{
		RRefID: ref.ID(),
		ForkID: ref.ForkID(),
	})
	if err != nil {
		return nil, err
	}

	o := c.callOptions(opts)
	resp, err := sendMessageWithAutograd(ctx, c.agent, to, msg, false, o.timeout).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return decodeResponse(c.codec, resp, ref.Type())
}

// Release drops the caller's hold on a user reference and tells the owner to
// forget the fork. Releasing an owner is a no-op; the registry drops owners
// once their last fork is gone.
func (c *Client) Release(ctx context.Context, ref *RRef) error {
	if ref.IsOwner() {
		return nil
	}

	c.registry.DelUser(ref)

	// A failed creation was cleaned up when it failed: either the owner
	// dropped the fork itself or it was told to.
	if creation := ref.CreationFuture(); creation != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-creation.Done():
		}
		if creation.HasError() {
			return nil
		}
	}

	to, err := c.agent.WorkerInfoByID(ref.OwnerID())
	if err != nil {
		return err
	}

	msg, err := encodeMessage(c.codec, MessageRRefUserDelete, rrefWire{
		RRefID: ref.ID(),
		ForkID: ref.ForkID(),
	})
	if err != nil {
		return err
	}

	resp, err := sendMessageWithAutograd(ctx, c.agent, to, msg, false, c.timeout).Wait(ctx)
	if err != nil {
		return err
	}
	if m, ok := resp.(*Message); !ok || m.Type != MessageAck {
		return fmt.Errorf("%w: expected %s in response to %s", ErrDecode, MessageAck, MessageRRefUserDelete)
	}

	c.logger.Debug(
		"user rref released",
		zap.Stringer("rref_id", ref.ID()),
		zap.Stringer("fork_id", ref.ForkID()),
	)
	return nil
}
