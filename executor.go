// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Func is the implementation of a registered function. Functions registered
// for async execution return a *Future whose value is the result.
type Func func(ctx context.Context, args []any) (any, error)

type function struct {
	schema FunctionSchema
	ret    Type
	fn     Func
}

// FunctionTable maps qualified names to the functions a worker can run.
type FunctionTable struct {
	mu  sync.RWMutex
	fns map[QualifiedName]function
}

// NewFunctionTable returns an empty table.
func NewFunctionTable() *FunctionTable {
	return &FunctionTable{fns: make(map[QualifiedName]function)}
}

// Register adds fn under schema.Name. The schema must declare exactly one
// return value.
func (t *FunctionTable) Register(schema FunctionSchema, fn Func) error {
	ret, err := schema.ReturnType()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.fns[schema.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, schema.Name)
	}
	t.fns[schema.Name] = function{schema, ret, fn}
	return nil
}

func (t *FunctionTable) lookup(name QualifiedName) (function, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, ok := t.fns[name]
	if !ok {
		return function{}, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return f, nil
}

// Executor serves the messages sent by other workers' clients: it runs
// functions, owns the values of references created on this worker, and
// answers fetches and deletions of those references.
type Executor struct {
	worker    string
	functions *FunctionTable
	registry  *MemoryRegistry
	codec     Codec
	logger    *zap.Logger
}

// NewExecutor returns an executor for the named worker.
func NewExecutor(worker string, functions *FunctionTable, registry *MemoryRegistry, codec Codec, logger *zap.Logger) *Executor {
	if codec == nil {
		codec = defaultCodec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		worker:    worker,
		functions: functions,
		registry:  registry,
		codec:     codec,
		logger:    logger,
	}
}

// Handle is the RawHandler served by the worker's agent.
func (e *Executor) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var msg Message
	if err := e.codec.Decode(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrDecode, err)
	}

	if msg.ProfilingKey != "" {
		ctx = withProfilingKey(ctx, msg.ProfilingKey)
	}

	reply, err := e.process(ctx, &msg)
	if err != nil {
		e.logger.Debug(
			"message failed",
			zap.Stringer("call_id", msg.ID),
			zap.Stringer("type", msg.Type),
			zap.Error(err),
		)
		reply = e.exception(&msg, err)
	}

	return e.codec.Encode(reply)
}

func (e *Executor) process(ctx context.Context, msg *Message) (*Message, error) {
	switch msg.Type {
	case MessageScriptCall:
		return e.scriptCall(ctx, msg)
	case MessageScriptRemoteCall:
		return e.scriptRemoteCall(ctx, msg)
	case MessageRRefFetch:
		return e.rrefFetch(ctx, msg)
	case MessageRRefUserDelete:
		return e.rrefUserDelete(msg)
	default:
		return nil, fmt.Errorf("%w: unexpected message type %s", ErrDecode, msg.Type)
	}
}

func (e *Executor) scriptCall(ctx context.Context, msg *Message) (*Message, error) {
	var w callWire
	if err := decodePayload(e.codec, msg, &w); err != nil {
		return nil, err
	}

	v, err := e.run(ctx, &w)
	if err != nil {
		return nil, err
	}

	data, err := e.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: result of %s: %v", ErrEncode, w.Function, err)
	}
	return e.encodeReply(msg, MessageScriptRet, retWire{Value: data})
}

// scriptRemoteCall runs a call whose result is owned by this worker.
//
// When the fork differs from the rref the caller holds a user reference and
// the fork is recorded before the function runs. When they are equal the
// caller is this worker's own client, which already holds the owner and
// finalizes it from the reply.
func (e *Executor) scriptRemoteCall(ctx context.Context, msg *Message) (*Message, error) {
	var w callWire
	if err := decodePayload(e.codec, msg, &w); err != nil {
		return nil, err
	}
	if w.RRefID == nil || w.ForkID == nil {
		return nil, fmt.Errorf("%w: remote call of %s carries no rref ids", ErrDecode, w.Function)
	}
	rrefID, forkID := *w.RRefID, *w.ForkID
	selfOwned := rrefID == forkID

	f, err := e.functions.lookup(w.Function)
	if err != nil {
		return nil, err
	}

	if !selfOwned && !e.registry.AddForkOfOwner(rrefID, forkID) {
		return nil, fmt.Errorf("%w: fork %s of %s was deleted by its holder", ErrUnknownRRef, forkID, rrefID)
	}
	owner := e.registry.GetOrCreateOwnerRRef(rrefID, f.ret)

	v, err := e.run(ctx, &w)
	if err != nil {
		if !selfOwned {
			owner.setError(err)
			e.registry.DelForkOfOwner(rrefID, forkID)
		}
		return nil, err
	}

	ret := remoteRetWire{RRefID: rrefID, ForkID: forkID}
	if selfOwned {
		data, err := e.codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("%w: result of %s: %v", ErrEncode, w.Function, err)
		}
		ret.Value = data
	} else if err := owner.setValue(v, nil); err != nil {
		e.logger.Debug("owner rref already settled", zap.Stringer("rref_id", rrefID), zap.Error(err))
	}

	e.logger.Debug(
		"owner rref created for remote call",
		zap.Stringer("rref_id", rrefID),
		zap.Stringer("fork_id", forkID),
		zap.Bool("self_owned", selfOwned),
	)
	return e.encodeReply(msg, MessageRemoteRet, ret)
}

func (e *Executor) rrefFetch(ctx context.Context, msg *Message) (*Message, error) {
	var w rrefWire
	if err := decodePayload(e.codec, msg, &w); err != nil {
		return nil, err
	}

	owner, ok := e.registry.OwnerRRef(w.RRefID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRRef, w.RRefID)
	}

	v, err := owner.valueFuture().Wait(ctx)
	if err != nil {
		return nil, err
	}

	data, err := e.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value of %s: %v", ErrEncode, w.RRefID, err)
	}
	return e.encodeReply(msg, MessageRRefFetchRet, retWire{Value: data})
}

func (e *Executor) rrefUserDelete(msg *Message) (*Message, error) {
	var w rrefWire
	if err := decodePayload(e.codec, msg, &w); err != nil {
		return nil, err
	}

	deleted := e.registry.DelForkOfOwner(w.RRefID, w.ForkID)
	e.logger.Debug(
		"user fork deleted",
		zap.Stringer("rref_id", w.RRefID),
		zap.Stringer("fork_id", w.ForkID),
		zap.Bool("owner_deleted", deleted),
	)
	return msg.reply(MessageAck, nil), nil
}

// run decodes the arguments of w by the function's schema and invokes it.
func (e *Executor) run(ctx context.Context, w *callWire) (any, error) {
	f, err := e.functions.lookup(w.Function)
	if err != nil {
		return nil, err
	}

	args := make([]any, len(w.Args))
	for i, data := range w.Args {
		v, err := f.schema.argumentType(i).Decode(e.codec, data)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, w.Function, err)
		}
		args[i] = v
	}

	v, err := f.fn(ctx, args)
	if err != nil {
		return nil, err
	}

	if w.Async {
		fut, ok := v.(*Future)
		if !ok {
			return nil, fmt.Errorf("%s is executed asynchronously but returned %T, not a future", w.Function, v)
		}
		if v, err = fut.Wait(ctx); err != nil {
			return nil, err
		}
	}

	return f.ret.Coerce(v)
}

func (e *Executor) encodeReply(req *Message, t MessageType, v any) (*Message, error) {
	payload, err := e.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrEncode, t, err)
	}
	return req.reply(t, payload), nil
}

func (e *Executor) exception(req *Message, err error) *Message {
	payload, encErr := e.codec.Encode(exceptionWire{
		Worker:  e.worker,
		Message: err.Error(),
	})
	if encErr != nil {
		// exceptionWire only holds strings
		panic(encErr)
	}
	return req.reply(MessageException, payload)
}
