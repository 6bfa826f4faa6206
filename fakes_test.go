// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	workerAlice = WorkerInfo{Name: "alice", ID: 0}
	workerBob   = WorkerInfo{Name: "bob", ID: 1}

	addSchema = FunctionSchema{
		Name: "ops.math.add",
		Arguments: []Argument{
			{Name: "a", Type: TypeOf[int]()},
			{Name: "b", Type: TypeOf[int]()},
		},
		Returns: []Argument{{Name: "sum", Type: TypeOf[int]()}},
	}
)

// sentCall is a message handed to a fakeAgent. Tests settle future to play
// the part of the transport.
type sentCall struct {
	ctx     context.Context
	to      WorkerInfo
	msg     *Message
	timeout time.Duration
	future  *Future
}

func (c *sentCall) call(t *testing.T) callWire {
	t.Helper()

	var w callWire
	require.NoError(t, decodePayload(defaultCodec, c.msg, &w))
	return w
}

// reply completes the transport future with a response to the message.
func (c *sentCall) reply(t *testing.T, typ MessageType, payload any) {
	t.Helper()

	data, err := defaultCodec.Encode(payload)
	require.NoError(t, err)
	resp := c.msg.reply(typ, data)
	raw, err := defaultCodec.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, c.future.MarkCompleted(resp, raw))
}

func (c *sentCall) fail(t *testing.T, err error) {
	t.Helper()
	require.NoError(t, c.future.SetError(err))
}

func encodeValue(t *testing.T, v any) []byte {
	t.Helper()

	data, err := defaultCodec.Encode(v)
	require.NoError(t, err)
	return data
}

// notification is a message handed to fakeAgent.Notify.
type notification struct {
	to  WorkerInfo
	msg *Message
}

// fakeAgent records every message sent and lets tests settle the returned
// futures. onSend, if set, runs synchronously inside Send.
type fakeAgent struct {
	self string
	dir  *Directory

	mu       sync.Mutex
	calls    []*sentCall
	notified []notification
	onSend   func(*sentCall)
}

func newFakeAgent(t *testing.T, self string) *fakeAgent {
	t.Helper()

	dir, err := NewDirectory(workerAlice, workerBob)
	require.NoError(t, err)
	return &fakeAgent{self: self, dir: dir}
}

func (a *fakeAgent) WorkerInfo(name string) (WorkerInfo, error) {
	return a.dir.Lookup(name)
}

func (a *fakeAgent) WorkerInfoByID(id WorkerID) (WorkerInfo, error) {
	return a.dir.LookupID(id)
}

func (a *fakeAgent) CurrentWorker() WorkerInfo {
	w, _ := a.dir.Lookup(a.self)
	return w
}

func (a *fakeAgent) Send(ctx context.Context, to WorkerInfo, msg *Message, timeout time.Duration) *Future {
	c := &sentCall{
		ctx:     ctx,
		to:      to,
		msg:     msg,
		timeout: timeout,
		future:  NewFuture(nil),
	}

	a.mu.Lock()
	a.calls = append(a.calls, c)
	hook := a.onSend
	a.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return c.future
}

func (a *fakeAgent) Notify(_ context.Context, to WorkerInfo, msg *Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notified = append(a.notified, notification{to, msg})
	return nil
}

func (a *fakeAgent) notifications() []notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notification(nil), a.notified...)
}

func (a *fakeAgent) sent() []*sentCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*sentCall(nil), a.calls...)
}

func (a *fakeAgent) last(t *testing.T) *sentCall {
	t.Helper()

	calls := a.sent()
	require.NotEmpty(t, calls)
	return calls[len(calls)-1]
}

type finishedOwner struct {
	id    RRefID
	value any
	err   error
}

// spyRegistry is a MemoryRegistry that counts the transitions requested by
// the client.
type spyRegistry struct {
	*MemoryRegistry

	mu       sync.Mutex
	confirms map[ForkID]int
	releases map[ForkID]error
	finished []finishedOwner
}

func newSpyRegistry(worker WorkerID, opts ...RegistryOption) *spyRegistry {
	return &spyRegistry{
		MemoryRegistry: NewMemoryRegistry(worker, opts...),
		confirms:       make(map[ForkID]int),
		releases:       make(map[ForkID]error),
	}
}

func (s *spyRegistry) ConfirmPendingUser(forkID ForkID) {
	s.mu.Lock()
	s.confirms[forkID]++
	s.mu.Unlock()

	s.MemoryRegistry.ConfirmPendingUser(forkID)
}

func (s *spyRegistry) ReleasePendingUser(forkID ForkID, err error) {
	s.mu.Lock()
	s.releases[forkID] = err
	s.mu.Unlock()

	s.MemoryRegistry.ReleasePendingUser(forkID, err)
}

func (s *spyRegistry) FinishCreatingOwnerRRef(id RRefID, value any, buffers [][]byte, err error) {
	s.mu.Lock()
	s.finished = append(s.finished, finishedOwner{id, value, err})
	s.mu.Unlock()

	s.MemoryRegistry.FinishCreatingOwnerRRef(id, value, buffers, err)
}

func (s *spyRegistry) confirmCount(forkID ForkID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirms[forkID]
}

func (s *spyRegistry) released(forkID ForkID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.releases[forkID]
	return ok, err
}

func (s *spyRegistry) finishes() []finishedOwner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]finishedOwner(nil), s.finished...)
}

// newTestClient returns a client on alice backed by a fake agent and a spy
// registry.
func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *fakeAgent, *spyRegistry) {
	t.Helper()

	agent := newFakeAgent(t, workerAlice.Name)
	registry := newSpyRegistry(workerAlice.ID)
	opts = append([]ClientOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewClient(agent, registry, opts...), agent, registry
}
