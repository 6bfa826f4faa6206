// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"errors"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Registry tracks the references known to a worker.
//
// Implementations must be safe for concurrent use. Confirming or releasing a
// fork more than once must be harmless.
type Registry interface {
	// CreateUserRRef allocates a user reference to a value owned by owner,
	// which must not be the local worker.
	CreateUserRRef(owner WorkerID, t Type) *RRef

	// CreateOwnerRRef allocates an owner reference on the local worker.
	CreateOwnerRRef(t Type) *RRef

	// AddPendingUser records a user fork that the owner has not yet
	// acknowledged.
	AddPendingUser(forkID ForkID, ref *RRef)

	// AddSelfAsFork records an owner as a fork of itself, keeping it alive
	// while the call creating its value is outstanding.
	AddSelfAsFork(ref *RRef)

	// ConfirmPendingUser moves a pending fork to confirmed.
	ConfirmPendingUser(forkID ForkID)

	// ReleasePendingUser drops a pending fork whose creation failed.
	ReleasePendingUser(forkID ForkID, err error)

	// FinishCreatingOwnerRRef settles an owner's value with value or err and
	// drops the owner's self-fork.
	FinishCreatingOwnerRRef(id RRefID, value any, buffers [][]byte, err error)

	// DelUser forgets a user reference that its holder no longer needs.
	DelUser(ref *RRef)
}

// DefaultConfirmationWindow is the number of recently resolved forks a
// MemoryRegistry remembers in order to recognise duplicate confirmations.
const DefaultConfirmationWindow = 4096

// MemoryRegistry is an in-process Registry. It also holds the owner-side fork
// table used when serving calls from other workers.
type MemoryRegistry struct {
	worker  WorkerID
	logger  *zap.Logger
	metrics *Metrics
	window  int
	nextID  atomic.Int64

	mu        sync.Mutex
	owners    map[RRefID]*RRef
	forks     map[RRefID]map[ForkID]struct{}
	pending   map[ForkID]*RRef
	confirmed map[ForkID]*RRef
	resolved  *lru.Cache // ForkID -> forkState, recently confirmed or released
	deleted   *lru.Cache // ForkID -> struct{}, deleted before they were added
}

// RegistryOption configures a MemoryRegistry.
type RegistryOption func(*MemoryRegistry)

// WithRegistryLogger sets the logger for reference transitions.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *MemoryRegistry) { r.logger = l }
}

// WithRegistryMetrics sets the collectors updated by the registry.
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(r *MemoryRegistry) { r.metrics = m }
}

// WithConfirmationWindow sets how many resolved forks are remembered.
func WithConfirmationWindow(n int) RegistryOption {
	return func(r *MemoryRegistry) { r.window = n }
}

// NewMemoryRegistry returns an empty registry for the given worker.
func NewMemoryRegistry(worker WorkerID, opts ...RegistryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		worker:    worker,
		logger:    zap.NewNop(),
		window:    DefaultConfirmationWindow,
		owners:    make(map[RRefID]*RRef),
		forks:     make(map[RRefID]map[ForkID]struct{}),
		pending:   make(map[ForkID]*RRef),
		confirmed: make(map[ForkID]*RRef),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.window <= 0 {
		r.window = DefaultConfirmationWindow
	}

	// lru.New only fails for a non-positive size.
	r.resolved, _ = lru.New(r.window)
	r.deleted, _ = lru.New(r.window)
	return r
}

// WorkerID returns the id of the worker the registry belongs to.
func (r *MemoryRegistry) WorkerID() WorkerID {
	return r.worker
}

func (r *MemoryRegistry) genID() GloballyUniqueID {
	return GloballyUniqueID{
		CreatedOn: r.worker,
		LocalID:   r.nextID.Add(1),
	}
}

func (r *MemoryRegistry) CreateUserRRef(owner WorkerID, t Type) *RRef {
	ref := newUserRRef(owner, r.genID(), r.genID(), t)
	r.logger.Debug(
		"user rref created",
		zap.Stringer("rref_id", ref.ID()),
		zap.Stringer("fork_id", ref.ForkID()),
		zap.Int16("owner", int16(owner)),
	)
	return ref
}

func (r *MemoryRegistry) CreateOwnerRRef(t Type) *RRef {
	ref := newOwnerRRef(r.worker, r.genID(), t)

	r.mu.Lock()
	r.owners[ref.ID()] = ref
	r.mu.Unlock()

	r.metrics.addOwners(1)
	r.logger.Debug("owner rref created", zap.Stringer("rref_id", ref.ID()))
	return ref
}

// GetOrCreateOwnerRRef returns the owner for id, creating it if this worker
// has not seen id before.
func (r *MemoryRegistry) GetOrCreateOwnerRRef(id RRefID, t Type) *RRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, ok := r.owners[id]; ok {
		return ref
	}

	ref := newOwnerRRef(r.worker, id, t)
	r.owners[id] = ref
	r.metrics.addOwners(1)
	return ref
}

// OwnerRRef returns the owner for id, if it is held by this registry.
func (r *MemoryRegistry) OwnerRRef(id RRefID) (*RRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.owners[id]
	return ref, ok
}

func (r *MemoryRegistry) AddPendingUser(forkID ForkID, ref *RRef) {
	r.mu.Lock()
	r.pending[forkID] = ref
	r.mu.Unlock()

	r.metrics.addPendingUsers(1)
	r.logger.Debug(
		"pending user added",
		zap.Stringer("rref_id", ref.ID()),
		zap.Stringer("fork_id", forkID),
	)
}

func (r *MemoryRegistry) AddSelfAsFork(ref *RRef) {
	r.AddForkOfOwner(ref.ID(), ref.ID())
}

// AddForkOfOwner records forkID as a fork of the owner id. It reports false,
// and records nothing, when the holder of forkID already deleted it; a user
// that gave up on a slow creation may delete its fork before the call that
// creates it is served.
func (r *MemoryRegistry) AddForkOfOwner(id RRefID, forkID ForkID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted.Contains(forkID) {
		r.logger.Debug(
			"fork deleted before it was added",
			zap.Stringer("rref_id", id),
			zap.Stringer("fork_id", forkID),
		)
		return false
	}

	forks, ok := r.forks[id]
	if !ok {
		forks = make(map[ForkID]struct{})
		r.forks[id] = forks
	}
	forks[forkID] = struct{}{}
	return true
}

// DelForkOfOwner drops forkID from the owner id. When the last fork is
// dropped the owner is deleted from the registry and true is returned.
// Deleting a fork the owner does not hold is remembered, so that a later
// AddForkOfOwner for it is refused.
func (r *MemoryRegistry) DelForkOfOwner(id RRefID, forkID ForkID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	forks := r.forks[id]
	if _, ok := forks[forkID]; !ok {
		r.deleted.Add(forkID, struct{}{})
		return false
	}
	delete(forks, forkID)
	if len(forks) > 0 {
		return false
	}

	delete(r.forks, id)
	if _, ok := r.owners[id]; ok {
		delete(r.owners, id)
		r.metrics.addOwners(-1)
	}
	r.logger.Debug("owner rref deleted", zap.Stringer("rref_id", id))
	return true
}

func (r *MemoryRegistry) ConfirmPendingUser(forkID ForkID) {
	ref, ok := r.resolvePending(forkID, forkConfirmed)
	if !ok {
		r.ignoreResolved(forkID, "confirmation")
		return
	}

	ref.transitionFork(forkPending, forkConfirmed)
	r.metrics.forkResolved("confirmed")
	r.logger.Debug(
		"pending user confirmed",
		zap.Stringer("rref_id", ref.ID()),
		zap.Stringer("fork_id", forkID),
	)
}

func (r *MemoryRegistry) ReleasePendingUser(forkID ForkID, err error) {
	ref, ok := r.resolvePending(forkID, forkReleased)
	if !ok {
		r.ignoreResolved(forkID, "release")
		return
	}

	ref.transitionFork(forkPending, forkReleased)
	r.metrics.forkResolved("released")
	r.logger.Warn(
		"pending user released",
		zap.Stringer("rref_id", ref.ID()),
		zap.Stringer("fork_id", forkID),
		zap.Error(err),
	)
}

// resolvePending removes forkID from the pending table. It returns false if
// the fork was not pending, which includes forks already resolved.
func (r *MemoryRegistry) resolvePending(forkID ForkID, to forkState) (*RRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.pending[forkID]
	if !ok {
		return nil, false
	}
	delete(r.pending, forkID)
	if to == forkConfirmed {
		r.confirmed[forkID] = ref
	}
	r.resolved.Add(forkID, to)
	r.metrics.addPendingUsers(-1)
	return ref, true
}

// ignoreResolved records a confirmation or release of a fork that is not
// pending. Forks resolved within the confirmation window are duplicates;
// anything else was never added.
func (r *MemoryRegistry) ignoreResolved(forkID ForkID, action string) {
	if r.resolved.Contains(forkID) {
		r.metrics.forkResolved("duplicate")
		r.logger.Debug("duplicate fork "+action+" ignored", zap.Stringer("fork_id", forkID))
		return
	}
	r.metrics.forkResolved("unknown")
	r.logger.Warn("fork "+action+" for unknown fork", zap.Stringer("fork_id", forkID))
}

func (r *MemoryRegistry) FinishCreatingOwnerRRef(id RRefID, value any, buffers [][]byte, err error) {
	ref, ok := r.OwnerRRef(id)
	if !ok {
		r.logger.Warn("finishing unknown owner rref", zap.Stringer("rref_id", id), zap.Error(err))
		return
	}

	var serr error
	if err != nil {
		serr = ref.setError(err)
	} else {
		serr = ref.setValue(value, buffers)
	}
	if errors.Is(serr, ErrAlreadySettled) {
		r.logger.Debug("owner rref already settled", zap.Stringer("rref_id", id))
	} else if serr != nil {
		r.logger.Warn("owner rref value rejected", zap.Stringer("rref_id", id), zap.Error(serr))
	}

	r.DelForkOfOwner(id, id)
}

func (r *MemoryRegistry) DelUser(ref *RRef) {
	if ref.user == nil {
		return
	}

	forkID := ref.ForkID()

	r.mu.Lock()
	_, wasPending := r.pending[forkID]
	delete(r.pending, forkID)
	delete(r.confirmed, forkID)
	r.resolved.Add(forkID, forkReleased)
	r.mu.Unlock()

	if wasPending {
		r.metrics.addPendingUsers(-1)
	}
	ref.user.state.Store(int32(forkReleased))
	r.logger.Debug(
		"user rref deleted",
		zap.Stringer("rref_id", ref.ID()),
		zap.Stringer("fork_id", forkID),
	)
}

// HasPendingUser returns true if forkID is awaiting confirmation.
func (r *MemoryRegistry) HasPendingUser(forkID ForkID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.pending[forkID]
	return ok
}

// NumPendingUsers returns the number of forks awaiting confirmation.
func (r *MemoryRegistry) NumPendingUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// NumConfirmedUsers returns the number of confirmed, undeleted user forks.
func (r *MemoryRegistry) NumConfirmedUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.confirmed)
}

// HasFork returns true if forkID is recorded as a fork of the owner id.
func (r *MemoryRegistry) HasFork(id RRefID, forkID ForkID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.forks[id][forkID]
	return ok
}

// NumForks returns the number of forks recorded for the owner id.
func (r *MemoryRegistry) NumForks(id RRefID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.forks[id])
}
