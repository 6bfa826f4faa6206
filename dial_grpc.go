//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// rawCodec passes request and response bytes through unchanged, so gRPC is
// used purely as a framed transport.
type rawCodec struct{}

func (rawCodec) Name() string { return "distrpc-raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("grpc raw codec: cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpc raw codec: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func grpcFullMethod(method string) string {
	return "/distrpc.Worker/" + method
}

func dialGRPC(_ context.Context, addr string, _ *dialOptions) (Peer, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcPeer{conn: conn}, nil
}

type grpcPeer struct {
	conn *grpc.ClientConn
}

func (p *grpcPeer) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var resp []byte
	err := p.conn.Invoke(ctx, grpcFullMethod(method), payload, &resp)
	if status.Code(err) == codes.DeadlineExceeded {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return resp, err
}

func (p *grpcPeer) Notify(ctx context.Context, method string, payload []byte) error {
	_, err := p.CallRaw(ctx, method, payload)
	return err
}

func (p *grpcPeer) Close() error {
	return p.conn.Close()
}

func listenGRPC(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &grpcServer{
		listener: listener,
		logger:   o.logger,
		handlers: make(map[string]RawHandler),
	}
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(s.handleStream),
	)
	return s, nil
}

type grpcServer struct {
	listener net.Listener
	logger   *zap.Logger
	server   *grpc.Server

	mu       sync.RWMutex
	handlers map[string]RawHandler
}

func (s *grpcServer) RegisterRaw(method string, handler RawHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[grpcFullMethod(method)] = handler
	return nil
}

// handleStream serves every unary call as a single-message stream.
func (s *grpcServer) handleStream(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method on stream")
	}

	s.mu.RLock()
	handler, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method: %s", method)
	}

	var req []byte
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	resp, err := handler(stream.Context(), req)
	if err != nil {
		s.logger.Debug("grpc handler failed", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Unknown, err.Error())
	}
	return stream.SendMsg(resp)
}

func (s *grpcServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.server.Stop)
	defer stop()

	if err := s.server.Serve(s.listener); !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *grpcServer) Close() error {
	s.server.Stop()
	return nil
}

func (s *grpcServer) Addr() string {
	return s.listener.Addr().String()
}
