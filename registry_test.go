// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRegistryIDs(t *testing.T) {
	r := NewMemoryRegistry(workerAlice.ID)
	assert.Equal(t, workerAlice.ID, r.WorkerID())

	user := r.CreateUserRRef(workerBob.ID, AnyType)
	owner := r.CreateOwnerRRef(AnyType)

	seen := map[GloballyUniqueID]bool{}
	for _, id := range []GloballyUniqueID{user.ID(), user.ForkID(), owner.ID()} {
		assert.Equal(t, workerAlice.ID, id.CreatedOn, "ids are generated by the local worker")
		assert.False(t, seen[id], "id %s allocated twice", id)
		seen[id] = true
	}

	assert.Equal(t, workerBob.ID, user.OwnerID())
	assert.Equal(t, workerAlice.ID, owner.OwnerID())
	assert.Equal(t, owner.ID(), owner.ForkID())

	got, ok := r.OwnerRRef(owner.ID())
	require.True(t, ok)
	assert.Same(t, owner, got)

	_, ok = r.OwnerRRef(user.ID())
	assert.False(t, ok, "users are not held as owners")
}

func TestRegistryConfirmPendingUser(t *testing.T) {
	m := NewMetrics()
	r := NewMemoryRegistry(workerAlice.ID, WithRegistryMetrics(m))

	ref := r.CreateUserRRef(workerBob.ID, AnyType)
	r.AddPendingUser(ref.ForkID(), ref)
	require.True(t, r.HasPendingUser(ref.ForkID()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingUsers))

	r.ConfirmPendingUser(ref.ForkID())
	assert.True(t, ref.Confirmed())
	assert.False(t, r.HasPendingUser(ref.ForkID()))
	assert.Equal(t, 1, r.NumConfirmedUsers())

	// Duplicates, including a release after confirmation, change nothing.
	r.ConfirmPendingUser(ref.ForkID())
	r.ReleasePendingUser(ref.ForkID(), errors.New("late"))
	assert.True(t, ref.Confirmed())
	assert.Equal(t, 1, r.NumConfirmedUsers())

	assert.Zero(t, testutil.ToFloat64(m.PendingUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForkConfirms.WithLabelValues("confirmed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ForkConfirms.WithLabelValues("duplicate")))
}

func TestRegistryReleasePendingUser(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewMemoryRegistry(workerAlice.ID, WithRegistryLogger(zap.New(core)))

	ref := r.CreateUserRRef(workerBob.ID, AnyType)
	r.AddPendingUser(ref.ForkID(), ref)

	cause := errors.New("connection reset")
	r.ReleasePendingUser(ref.ForkID(), cause)
	assert.False(t, r.HasPendingUser(ref.ForkID()))
	assert.False(t, ref.Confirmed())
	assert.Zero(t, r.NumConfirmedUsers())

	r.ConfirmPendingUser(ref.ForkID())
	assert.False(t, ref.Confirmed(), "a released fork is never confirmed")

	released := logs.FilterMessage("pending user released").All()
	require.Len(t, released, 1)
	assert.Equal(t, ref.ForkID().String(), released[0].ContextMap()["fork_id"])
}

func TestRegistryConcurrentConfirmations(t *testing.T) {
	r := NewMemoryRegistry(workerAlice.ID)

	refs := make([]*RRef, 64)
	for i := range refs {
		refs[i] = r.CreateUserRRef(workerBob.ID, AnyType)
		r.AddPendingUser(refs[i].ForkID(), refs[i])
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.ConfirmPendingUser(ref.ForkID())
			}()
		}
	}
	wg.Wait()

	assert.Zero(t, r.NumPendingUsers())
	assert.Equal(t, len(refs), r.NumConfirmedUsers())
	for _, ref := range refs {
		assert.True(t, ref.Confirmed())
	}
}

func TestRegistrySelfFork(t *testing.T) {
	m := NewMetrics()
	r := NewMemoryRegistry(workerAlice.ID, WithRegistryMetrics(m))

	ref := r.CreateOwnerRRef(TypeOf[int]())
	r.AddSelfAsFork(ref)
	assert.True(t, r.HasFork(ref.ID(), ref.ID()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OwnerRRefs))

	r.FinishCreatingOwnerRRef(ref.ID(), 7, nil, nil)
	assert.Equal(t, 7, ref.valueFuture().Value())
	assert.Zero(t, r.NumForks(ref.ID()))

	_, ok := r.OwnerRRef(ref.ID())
	assert.False(t, ok)
	assert.Zero(t, testutil.ToFloat64(m.OwnerRRefs))
}

func TestRegistryFinishOwnerWithError(t *testing.T) {
	r := NewMemoryRegistry(workerAlice.ID)

	ref := r.CreateOwnerRRef(TypeOf[int]())
	r.AddSelfAsFork(ref)

	cause := errors.New("boom")
	r.FinishCreatingOwnerRRef(ref.ID(), nil, nil, cause)
	require.True(t, ref.valueFuture().Completed())
	assert.Same(t, cause, ref.valueFuture().Err())
}

func TestRegistryFinishOwnerBadValue(t *testing.T) {
	r := NewMemoryRegistry(workerAlice.ID)

	ref := r.CreateOwnerRRef(TypeOf[int]())
	r.AddSelfAsFork(ref)

	r.FinishCreatingOwnerRRef(ref.ID(), "seven", nil, nil)
	require.ErrorIs(t, ref.valueFuture().Err(), ErrDecode, "a mistyped value fails the owner")
}

func TestRegistryOwnerKeptByOtherForks(t *testing.T) {
	r := NewMemoryRegistry(workerBob.ID)

	id := RRefID{CreatedOn: workerAlice.ID, LocalID: 1}
	fork := ForkID{CreatedOn: workerAlice.ID, LocalID: 2}
	other := ForkID{CreatedOn: workerAlice.ID, LocalID: 3}

	owner := r.GetOrCreateOwnerRRef(id, AnyType)
	assert.Same(t, owner, r.GetOrCreateOwnerRRef(id, AnyType))

	require.True(t, r.AddForkOfOwner(id, fork))
	require.True(t, r.AddForkOfOwner(id, other))
	assert.Equal(t, 2, r.NumForks(id))

	assert.False(t, r.DelForkOfOwner(id, fork))
	_, ok := r.OwnerRRef(id)
	assert.True(t, ok)

	assert.True(t, r.DelForkOfOwner(id, other))
	_, ok = r.OwnerRRef(id)
	assert.False(t, ok)

	assert.False(t, r.DelForkOfOwner(id, other), "deleting from a gone owner is harmless")
}

func TestRegistryForkDeletedBeforeAdded(t *testing.T) {
	r := NewMemoryRegistry(workerBob.ID)

	id := RRefID{CreatedOn: workerAlice.ID, LocalID: 1}
	fork := ForkID{CreatedOn: workerAlice.ID, LocalID: 2}
	other := ForkID{CreatedOn: workerAlice.ID, LocalID: 3}

	assert.False(t, r.DelForkOfOwner(id, fork))
	assert.False(t, r.AddForkOfOwner(id, fork), "the holder already deleted the fork")
	assert.Zero(t, r.NumForks(id))

	require.True(t, r.AddForkOfOwner(id, other), "other forks of the rref are unaffected")
	assert.Equal(t, 1, r.NumForks(id))
}

func TestRegistryDelUser(t *testing.T) {
	m := NewMetrics()
	r := NewMemoryRegistry(workerAlice.ID, WithRegistryMetrics(m))

	pending := r.CreateUserRRef(workerBob.ID, AnyType)
	r.AddPendingUser(pending.ForkID(), pending)

	confirmed := r.CreateUserRRef(workerBob.ID, AnyType)
	r.AddPendingUser(confirmed.ForkID(), confirmed)
	r.ConfirmPendingUser(confirmed.ForkID())

	r.DelUser(pending)
	r.DelUser(confirmed)
	r.DelUser(r.CreateOwnerRRef(AnyType))

	assert.Zero(t, r.NumPendingUsers())
	assert.Zero(t, r.NumConfirmedUsers())
	assert.Zero(t, testutil.ToFloat64(m.PendingUsers))
	assert.False(t, confirmed.Confirmed())

	r.ConfirmPendingUser(pending.ForkID())
	assert.False(t, pending.Confirmed(), "a deleted user is never confirmed")
}

func TestRegistryFinishUnknownOwner(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewMemoryRegistry(workerAlice.ID, WithRegistryLogger(zap.New(core)))

	r.FinishCreatingOwnerRRef(RRefID{CreatedOn: workerAlice.ID, LocalID: 99}, 1, nil, nil)
	assert.Equal(t, 1, logs.FilterMessage("finishing unknown owner rref").Len())
}

func TestRegistryUnknownFork(t *testing.T) {
	m := NewMetrics()
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewMemoryRegistry(workerAlice.ID, WithRegistryMetrics(m), WithRegistryLogger(zap.New(core)))

	r.ConfirmPendingUser(ForkID{CreatedOn: workerBob.ID, LocalID: 5})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForkConfirms.WithLabelValues("unknown")))
	assert.Equal(t, 1, logs.FilterMessage("fork confirmation for unknown fork").Len())
}

func TestRegistryConfirmationWindow(t *testing.T) {
	m := NewMetrics()
	r := NewMemoryRegistry(workerAlice.ID, WithRegistryMetrics(m), WithConfirmationWindow(1))

	first := r.CreateUserRRef(workerBob.ID, AnyType)
	second := r.CreateUserRRef(workerBob.ID, AnyType)
	for _, ref := range []*RRef{first, second} {
		r.AddPendingUser(ref.ForkID(), ref)
		r.ConfirmPendingUser(ref.ForkID())
	}

	// The window only remembers the most recent fork.
	r.ConfirmPendingUser(second.ForkID())
	r.ConfirmPendingUser(first.ForkID())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForkConfirms.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForkConfirms.WithLabelValues("unknown")))
	assert.True(t, first.Confirmed())
}
