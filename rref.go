// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"fmt"
	"sync/atomic"
)

// GloballyUniqueID identifies an RRef or a fork across all workers. It is the
// id of the worker that generated it paired with a counter local to that
// worker.
type GloballyUniqueID struct {
	CreatedOn WorkerID `json:"created_on"`
	LocalID   int64    `json:"local_id"`
}

func (id GloballyUniqueID) String() string {
	return fmt.Sprintf("%d:%d", id.CreatedOn, id.LocalID)
}

type (
	RRefID = GloballyUniqueID
	ForkID = GloballyUniqueID
)

// RRefKind distinguishes the two RRef variants.
type RRefKind uint8

const (
	// OwnerKind is held by the worker that is the source of truth for the value.
	OwnerKind RRefKind = iota

	// UserKind is a fork pointing at an owner on another worker.
	UserKind
)

func (k RRefKind) String() string {
	if k == OwnerKind {
		return "OwnerRRef"
	}
	return "UserRRef"
}

// forkState is the lifecycle of a user fork.
type forkState int32

const (
	forkPending   forkState = iota // created, not yet acknowledged by the owner
	forkConfirmed                  // the owner has recorded the fork
	forkReleased                   // creation failed or the user was deleted
)

// RRef is a distributed reference to a value that may live on another worker.
//
// Exactly one of owner and user is set, according to kind.
type RRef struct {
	kind     RRefKind
	id       RRefID
	typ      Type
	creation atomic.Pointer[Future]

	owner *ownerState
	user  *userState
}

type ownerState struct {
	worker WorkerID
	value  *Future
}

type userState struct {
	owner  WorkerID
	forkID ForkID
	state  atomic.Int32
}

func newOwnerRRef(worker WorkerID, id RRefID, t Type) *RRef {
	return &RRef{
		kind: OwnerKind,
		id:   id,
		typ:  t,
		owner: &ownerState{
			worker: worker,
			value:  NewFuture(t),
		},
	}
}

func newUserRRef(owner WorkerID, id RRefID, forkID ForkID, t Type) *RRef {
	return &RRef{
		kind: UserKind,
		id:   id,
		typ:  t,
		user: &userState{
			owner:  owner,
			forkID: forkID,
		},
	}
}

func (r *RRef) Kind() RRefKind { return r.kind }
func (r *RRef) IsOwner() bool  { return r.kind == OwnerKind }
func (r *RRef) ID() RRefID     { return r.id }
func (r *RRef) Type() Type     { return r.typ }

// ForkID returns the fork id of a user, or the rref id of an owner.
func (r *RRef) ForkID() ForkID {
	if r.user != nil {
		return r.user.forkID
	}
	return r.id
}

// OwnerID returns the id of the worker that owns the value.
func (r *RRef) OwnerID() WorkerID {
	if r.user != nil {
		return r.user.owner
	}
	return r.owner.worker
}

// Confirmed returns true if the owner has acknowledged this reference. Owners
// are always confirmed.
func (r *RRef) Confirmed() bool {
	if r.user != nil {
		return forkState(r.user.state.Load()) == forkConfirmed
	}
	return true
}

// RegisterOwnerCreationFuture records the future of the call creating the
// owner's value.
func (r *RRef) RegisterOwnerCreationFuture(f *Future) {
	r.creation.Store(f)
}

// CreationFuture returns the future registered by
// RegisterOwnerCreationFuture, or nil.
func (r *RRef) CreationFuture() *Future {
	return r.creation.Load()
}

// valueFuture returns the future holding an owner's value. It is nil for
// users.
func (r *RRef) valueFuture() *Future {
	if r.owner != nil {
		return r.owner.value
	}
	return nil
}

// setValue settles an owner's value. It returns ErrAlreadySettled if the
// value was already set.
func (r *RRef) setValue(v any, buffers [][]byte) error {
	return r.owner.value.MarkCompleted(v, buffers...)
}

// setError fails an owner's value.
func (r *RRef) setError(err error) error {
	return r.owner.value.SetError(err)
}

func (r *RRef) transitionFork(from, to forkState) bool {
	return r.user.state.CompareAndSwap(int32(from), int32(to))
}

func (r *RRef) String() string {
	if r.user != nil {
		return fmt.Sprintf("UserRRef(rref_id=%s, fork_id=%s)", r.id, r.user.forkID)
	}
	return fmt.Sprintf("OwnerRRef(rref_id=%s)", r.id)
}
