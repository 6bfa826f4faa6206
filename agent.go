// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout is used for calls that do not specify a positive timeout.
const DefaultTimeout = 60 * time.Second

// handleMethod is the raw method every agent serves messages on.
const handleMethod = "distrpc.handle"

// Agent delivers messages to workers.
type Agent interface {
	WorkerResolver

	// Send delivers msg to the worker and returns a future of the response
	// *Message. The future settles exactly once; timeouts and remote
	// exceptions are reported as failures.
	Send(ctx context.Context, to WorkerInfo, msg *Message, timeout time.Duration) *Future

	// Notify delivers msg to the worker without waiting for a response. A
	// nil error means the message was handed to the transport, not that the
	// worker processed it.
	Notify(ctx context.Context, to WorkerInfo, msg *Message) error
}

// TransportAgent is an Agent that sends messages over one of the registered
// transports, addressing workers through a Directory.
type TransportAgent struct {
	self      string
	dir       *Directory
	transport string
	codec     Codec
	logger    *zap.Logger

	dials singleflight.Group

	mu     sync.Mutex
	peers  map[WorkerID]Peer
	server Server
}

// AgentOption configures a TransportAgent.
type AgentOption func(*TransportAgent)

// WithAgentTransport selects the transport used to reach peers and to serve.
func WithAgentTransport(t string) AgentOption {
	return func(a *TransportAgent) { a.transport = t }
}

// WithAgentCodec sets the codec used for messages.
func WithAgentCodec(c Codec) AgentOption {
	return func(a *TransportAgent) { a.codec = c }
}

// WithAgentLogger sets the agent's logger.
func WithAgentLogger(l *zap.Logger) AgentOption {
	return func(a *TransportAgent) { a.logger = l }
}

// NewAgent returns an agent for the worker named self, which must be present
// in dir.
func NewAgent(self string, dir *Directory, opts ...AgentOption) (*TransportAgent, error) {
	if _, err := dir.Lookup(self); err != nil {
		return nil, err
	}

	a := &TransportAgent{
		self:      self,
		dir:       dir,
		transport: DefaultTransport,
		codec:     defaultCodec,
		logger:    zap.NewNop(),
		peers:     make(map[WorkerID]Peer),
	}
	for _, opt := range opts {
		opt(a)
	}

	if !HasTransport(a.transport) {
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, a.transport)
	}
	return a, nil
}

func (a *TransportAgent) WorkerInfo(name string) (WorkerInfo, error) {
	return a.dir.Lookup(name)
}

func (a *TransportAgent) WorkerInfoByID(id WorkerID) (WorkerInfo, error) {
	return a.dir.LookupID(id)
}

func (a *TransportAgent) CurrentWorker() WorkerInfo {
	w, _ := a.dir.Lookup(a.self)
	return w
}

// Listen binds the agent's server on the current worker's address and
// records the bound address in the directory.
func (a *TransportAgent) Listen(h RawHandler) error {
	self := a.CurrentWorker()

	server, err := Listen(
		self.Addr,
		WithServerTransport(a.transport),
		WithServerLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("listen %s: %w", self, err)
	}
	if err := server.RegisterRaw(handleMethod, h); err != nil {
		server.Close()
		return err
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	return a.dir.SetAddr(a.self, server.Addr())
}

// Serve serves incoming messages until ctx is canceled. Listen must have been
// called first.
func (a *TransportAgent) Serve(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()

	if server == nil {
		return errors.New("distrpc: agent is not listening")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return closeServer(server)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *TransportAgent) Send(ctx context.Context, to WorkerInfo, msg *Message, timeout time.Duration) *Future {
	fut := NewFuture(nil)

	payload, err := a.codec.Encode(msg)
	if err != nil {
		fut.SetError(transportError(fmt.Errorf("%w: %v", ErrEncode, err), false))
		return fut
	}

	logger := a.logger.With(
		zap.Stringer("call_id", msg.ID),
		zap.Stringer("type", msg.Type),
		zap.Stringer("worker", to),
	)

	// Caller cancellation is not a separate path: only the timeout ends a
	// call, and it surfaces as a transport failure.
	callCtx, cancel := linger.ContextWithTimeout(context.WithoutCancel(ctx), timeout, DefaultTimeout)

	go func() {
		defer cancel()

		resp, err := a.call(callCtx, to, payload)
		if err != nil {
			timedOut := errors.Is(err, ErrTimeout) ||
				errors.Is(err, ErrZAPTimeout) ||
				errors.Is(callCtx.Err(), context.DeadlineExceeded)
			logger.Debug("send failed", zap.Bool("timeout", timedOut), zap.Error(err))
			fut.SetError(transportError(err, timedOut))
			return
		}

		reply := &Message{}
		if err := a.codec.Decode(resp, reply); err != nil {
			fut.SetError(transportError(fmt.Errorf("%w: response: %v", ErrDecode, err), false))
			return
		}

		if reply.Type == MessageException {
			var w exceptionWire
			if err := decodePayload(a.codec, reply, &w); err != nil {
				fut.SetError(err)
				return
			}
			logger.Debug("remote exception", zap.String("message", w.Message))
			fut.SetError(&RemoteError{Worker: w.Worker, Message: w.Message})
			return
		}

		logger.Debug("response received", zap.Stringer("reply_type", reply.Type))
		fut.MarkCompleted(reply, resp)
	}()

	return fut
}

func (a *TransportAgent) Notify(ctx context.Context, to WorkerInfo, msg *Message) error {
	payload, err := a.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}

	peer, err := a.peer(ctx, to)
	if err != nil {
		return transportError(err, false)
	}
	if err := peer.Notify(ctx, handleMethod, payload); err != nil {
		return transportError(err, errors.Is(err, ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded))
	}

	a.logger.Debug(
		"notification sent",
		zap.Stringer("call_id", msg.ID),
		zap.Stringer("type", msg.Type),
		zap.Stringer("worker", to),
	)
	return nil
}

func (a *TransportAgent) call(ctx context.Context, to WorkerInfo, payload []byte) ([]byte, error) {
	peer, err := a.peer(ctx, to)
	if err != nil {
		return nil, err
	}
	return peer.CallRaw(ctx, handleMethod, payload)
}

// peer returns the connection to a worker, dialing it on first use.
// Concurrent first calls to the same worker share a single dial.
func (a *TransportAgent) peer(ctx context.Context, to WorkerInfo) (Peer, error) {
	a.mu.Lock()
	p, ok := a.peers[to.ID]
	a.mu.Unlock()
	if ok {
		return p, nil
	}

	v, err, _ := a.dials.Do(to.Name, func() (any, error) {
		a.mu.Lock()
		if p, ok := a.peers[to.ID]; ok {
			a.mu.Unlock()
			return p, nil
		}
		a.mu.Unlock()

		// Resolve again; the address may have been bound after to was
		// captured.
		info, err := a.dir.LookupID(to.ID)
		if err != nil {
			return nil, err
		}

		p, err := Dial(ctx, info.Addr, WithTransport(a.transport))
		if err != nil {
			return nil, err
		}

		a.mu.Lock()
		a.peers[to.ID] = p
		a.mu.Unlock()

		a.logger.Debug("peer connected", zap.Stringer("worker", info), zap.String("addr", info.Addr))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Peer), nil
}

// Close closes every peer connection and the server, if any.
func (a *TransportAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	for id, p := range a.peers {
		err = multierr.Append(err, p.Close())
		delete(a.peers, id)
	}
	if a.server != nil {
		err = multierr.Append(err, closeServer(a.server))
		a.server = nil
	}
	return err
}

// closeServer closes s, treating an already-closed listener as success.
func closeServer(s Server) error {
	if err := s.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
