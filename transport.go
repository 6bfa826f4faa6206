// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Transport types
const (
	TransportZAP  = "zap"  // length-prefixed frames over TCP, default
	TransportJSON = "json" // JSON-RPC over HTTP
	TransportGRPC = "grpc" // requires the grpc build tag
)

// DefaultTransport is the default transport type (ZAP)
const DefaultTransport = TransportZAP

// Peer is a raw-bytes connection to a single worker's server.
type Peer interface {
	// CallRaw sends payload to method and waits for the response.
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Notify sends a one-way message (no response expected)
	Notify(ctx context.Context, method string, payload []byte) error

	Close() error
}

// Server serves raw-bytes requests from peers.
type Server interface {
	RegisterRaw(method string, handler RawHandler) error

	// Serve starts serving requests (blocks until Close or ctx is canceled)
	Serve(ctx context.Context) error

	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// RawHandler handles raw byte RPC calls
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// DialOption configures peer connections
type DialOption func(*dialOptions)

type dialOptions struct {
	transport string
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	transport string
	logger    *zap.Logger
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithServerLogger sets the logger used for request handling failures
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Peer, error)
type listenFunc func(addr string, o *serverOptions) (Server, error)

type transportFuncs struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportFuncs{
		TransportZAP:  {dialZAP, listenZAP},
		TransportJSON: {dialJSON, listenJSON},
	}
)

// registerTransport registers a new transport (used by build tags)
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportFuncs{dial, listen}
}

func lookupTransport(name string) (transportFuncs, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t, ok
}

// AvailableTransports returns the sorted list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
