// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Dial connects to a worker's server using the default transport (ZAP).
func Dial(ctx context.Context, addr string, opts ...DialOption) (Peer, error) {
	o := &dialOptions{
		transport: DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}

	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.dial(ctx, addr, o)
}

// Listen binds a server using the default transport (ZAP). The listener is
// bound before Listen returns, so Addr is valid immediately.
func Listen(addr string, opts ...ServerOption) (Server, error) {
	o := &serverOptions{
		transport: DefaultTransport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.listen(addr, o)
}

// dialZAP creates a ZAP peer
func dialZAP(ctx context.Context, addr string, _ *dialOptions) (Peer, error) {
	conn, err := ZAPDial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &zapPeer{conn: conn}, nil
}

// listenZAP creates a ZAP server
func listenZAP(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &zapServer{
		listener: listener,
		handlers: make(map[string]RawHandler),
		logger:   o.logger,
	}, nil
}

// zapPeer implements Peer using ZAP transport
type zapPeer struct {
	conn *ZAPConn
}

func (p *zapPeer) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return p.conn.Call(ctx, method, payload)
}

func (p *zapPeer) Notify(ctx context.Context, method string, payload []byte) error {
	return p.conn.Notify(ctx, method, payload)
}

func (p *zapPeer) Close() error {
	return p.conn.Close()
}

// zapServer implements Server using ZAP transport
type zapServer struct {
	listener net.Listener
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]RawHandler
	server   *ZAPServer
}

func (s *zapServer) RegisterRaw(method string, handler RawHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	return nil
}

func (s *zapServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.server = NewZAPServer(s.listener, ZAPHandlerFunc(s.dispatch), s.logger)
	server := s.server
	s.mu.Unlock()

	return server.Serve(ctx)
}

func (s *zapServer) dispatch(ctx context.Context, method string, payload []byte) ([]byte, error) {
	s.mu.RLock()
	handler, ok := s.handlers[method]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown method: %s", method)
	}
	return handler(ctx, payload)
}

func (s *zapServer) Close() error {
	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()

	if server != nil {
		return server.Close()
	}
	return s.listener.Close()
}

func (s *zapServer) Addr() string {
	return s.listener.Addr().String()
}
