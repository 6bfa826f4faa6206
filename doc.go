// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package distrpc runs functions on other worker processes and hands out
// distributed references to their results.
//
// # Calls and references
//
// A Client offers two primitives:
//
//   - CallRemote sends a call and returns a *Future that settles with the
//     typed result.
//   - RemoteRef sends a call whose result stays on the destination and
//     returns an *RRef naming it.
//
// An RRef is either the owner of a value (the destination was the calling
// worker) or a user fork of a value owned elsewhere. A user fork is recorded
// as pending in the Registry before the call leaves the process and is
// confirmed once the owner has created the value. ToHere fetches the value and
// Release drops a user fork.
//
// Resolution and schema errors are returned synchronously; every other
// failure, including timeouts, settles the future or reference instead.
//
// # Usage
//
//	fns := distrpc.NewFunctionTable()
//	fns.Register(addSchema, func(ctx context.Context, args []any) (any, error) {
//	    return args[0].(int) + args[1].(int), nil
//	})
//
//	node, err := distrpc.NewNode(cfg, fns)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	if err := node.Listen(); err != nil {
//	    log.Fatal(err)
//	}
//	go node.Run(ctx)
//
//	fut, err := node.Client().CallRemote(ctx, "trainer:1", addSchema, []any{2, 3})
//	sum, err := distrpc.Await[int](ctx, fut)
//
// # Transport Selection
//
// Workers exchange messages over ZAP by default. Use build tags to enable
// alternative transports:
//
//	go build              # ZAP and JSON-RPC
//	go build -tags grpc   # Enable gRPC transport
//
// # Architecture
//
//   - future.go: single-assignment futures
//   - descriptor.go, message.go: call descriptors and their wire messages
//   - rref.go, registry.go: owner and user references and their fork table
//   - client.go, dispatch.go: CallRemote, RemoteRef, ToHere and Release
//   - executor.go: the callee side serving calls and reference messages
//   - agent.go: message delivery over the transport registry
//   - transport.go, dial.go, zap.go, json.go, dial_grpc.go: transports
//   - node.go, config.go: wiring a worker from a TOML config
package distrpc
