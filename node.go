// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"

	"go.uber.org/zap"
)

// Node is a complete worker: it serves the functions in its table to other
// workers and exposes a Client for calling them.
type Node struct {
	logger   *zap.Logger
	dir      *Directory
	registry *MemoryRegistry
	agent    *TransportAgent
	executor *Executor
	client   *Client
}

type nodeOptions struct {
	logger   *zap.Logger
	dir      *Directory
	metrics  *Metrics
	profiler Profiler
	codec    Codec
}

// NodeOption configures a Node.
type NodeOption func(*nodeOptions)

// WithNodeLogger sets the logger shared by the node's components.
func WithNodeLogger(l *zap.Logger) NodeOption {
	return func(o *nodeOptions) { o.logger = l }
}

// WithNodeDirectory makes the node resolve workers through dir instead of a
// directory built from the config. Nodes in one process can share a
// directory to learn each other's bound addresses.
func WithNodeDirectory(dir *Directory) NodeOption {
	return func(o *nodeOptions) { o.dir = dir }
}

// WithNodeMetrics sets the collectors updated by the node's client and
// registry.
func WithNodeMetrics(m *Metrics) NodeOption {
	return func(o *nodeOptions) { o.metrics = m }
}

// WithNodeProfiler sets the profiler used by the node's client.
func WithNodeProfiler(p Profiler) NodeOption {
	return func(o *nodeOptions) { o.profiler = p }
}

// WithNodeCodec sets the codec for messages, arguments and results.
func WithNodeCodec(c Codec) NodeOption {
	return func(o *nodeOptions) { o.codec = c }
}

// NewNode wires a worker from cfg. The node does not accept calls until
// Listen and Run are called.
func NewNode(cfg Config, functions *FunctionTable, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &nodeOptions{
		logger:   zap.NewNop(),
		profiler: NopProfiler{},
		codec:    defaultCodec,
	}
	for _, opt := range opts {
		opt(o)
	}

	dir := o.dir
	if dir == nil {
		var err error
		if dir, err = cfg.Directory(); err != nil {
			return nil, err
		}
	}

	self, err := dir.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With(zap.Stringer("self", self))

	agent, err := NewAgent(
		cfg.Name,
		dir,
		WithAgentTransport(cfg.Transport),
		WithAgentCodec(o.codec),
		WithAgentLogger(logger.Named("agent")),
	)
	if err != nil {
		return nil, err
	}

	registry := NewMemoryRegistry(
		self.ID,
		WithRegistryLogger(logger.Named("registry")),
		WithRegistryMetrics(o.metrics),
	)

	if functions == nil {
		functions = NewFunctionTable()
	}

	return &Node{
		logger:   logger,
		dir:      dir,
		registry: registry,
		agent:    agent,
		executor: NewExecutor(cfg.Name, functions, registry, o.codec, logger.Named("executor")),
		client: NewClient(
			agent,
			registry,
			WithLogger(logger.Named("client")),
			WithProfiler(o.profiler),
			WithMetrics(o.metrics),
			WithCodec(o.codec),
			WithDefaultTimeout(cfg.DefaultTimeout),
		),
	}, nil
}

// Client returns the node's client.
func (n *Node) Client() *Client { return n.client }

// Registry returns the node's reference registry.
func (n *Node) Registry() *MemoryRegistry { return n.registry }

// Directory returns the directory the node resolves workers through.
func (n *Node) Directory() *Directory { return n.dir }

// Info returns the node's worker identity, including its bound address once
// Listen has returned.
func (n *Node) Info() WorkerInfo { return n.agent.CurrentWorker() }

// Listen binds the node's server.
func (n *Node) Listen() error {
	if err := n.agent.Listen(n.executor.Handle); err != nil {
		return err
	}
	n.logger.Info("listening", zap.String("addr", n.Info().Addr))
	return nil
}

// Run serves calls until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	err := n.agent.Serve(ctx)
	n.logger.Info("stopped serving", zap.Error(err))
	return err
}

// Close releases the node's connections and server.
func (n *Node) Close() error {
	return n.agent.Close()
}
