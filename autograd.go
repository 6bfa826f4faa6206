// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"fmt"
	"time"
)

// AutogradContext produces the gradient-propagation metadata attached to each
// outgoing message. The metadata is opaque to this package.
type AutogradContext interface {
	Record(to WorkerInfo, forceGradRecording bool) ([]byte, error)
}

type autogradKey struct{}

// WithAutograd returns a context whose calls carry metadata from ac.
func WithAutograd(ctx context.Context, ac AutogradContext) context.Context {
	return context.WithValue(ctx, autogradKey{}, ac)
}

// AutogradFromContext returns the autograd context carried by ctx, if any.
func AutogradFromContext(ctx context.Context) (AutogradContext, bool) {
	ac, ok := ctx.Value(autogradKey{}).(AutogradContext)
	return ac, ok
}

// sendMessageWithAutograd attaches the ambient autograd metadata to msg and
// hands it to the agent.
func sendMessageWithAutograd(
	ctx context.Context,
	agent Agent,
	to WorkerInfo,
	msg *Message,
	forceGradRecording bool,
	timeout time.Duration,
) *Future {
	if ac, ok := AutogradFromContext(ctx); ok {
		meta, err := ac.Record(to, forceGradRecording)
		if err != nil {
			return failedFuture(transportError(fmt.Errorf("autograd: %w", err), false))
		}
		msg.Autograd = meta
	}

	if key, ok := profilingKeyFromContext(ctx); ok {
		msg.ProfilingKey = key
	}

	return agent.Send(ctx, to, msg, timeout)
}
