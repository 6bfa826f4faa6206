// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// WorkerID is the numeric identity of a worker process.
type WorkerID int16

// WorkerInfo is the resolved identity of a worker.
type WorkerInfo struct {
	Name string
	ID   WorkerID
	Addr string
}

func (w WorkerInfo) String() string {
	return fmt.Sprintf("%s#%d", w.Name, w.ID)
}

// WorkerResolver resolves worker names and ids.
type WorkerResolver interface {
	// WorkerInfo resolves a worker by name. It fails with ErrUnknownWorker.
	WorkerInfo(name string) (WorkerInfo, error)

	// WorkerInfoByID resolves a worker by id. It fails with ErrUnknownWorker.
	WorkerInfoByID(id WorkerID) (WorkerInfo, error)

	// CurrentWorker returns the identity of this process.
	CurrentWorker() WorkerInfo
}

const maxWorkerNameLen = 128

var workerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_:\-]+$`)

// Directory is a table of known workers. It is safe for concurrent use.
type Directory struct {
	mu     sync.RWMutex
	byName map[string]WorkerInfo
	byID   map[WorkerID]WorkerInfo
}

// NewDirectory returns a directory containing the given workers.
func NewDirectory(workers ...WorkerInfo) (*Directory, error) {
	d := &Directory{
		byName: make(map[string]WorkerInfo, len(workers)),
		byID:   make(map[WorkerID]WorkerInfo, len(workers)),
	}

	for _, w := range workers {
		if err := validateWorkerName(w.Name); err != nil {
			return nil, err
		}
		if _, ok := d.byName[w.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate worker name %q", ErrInvalidConfig, w.Name)
		}
		if x, ok := d.byID[w.ID]; ok {
			return nil, fmt.Errorf("%w: %q and %q share worker id %d", ErrInvalidConfig, x.Name, w.Name, w.ID)
		}
		d.byName[w.Name] = w
		d.byID[w.ID] = w
	}

	return d, nil
}

// Lookup resolves a worker by name.
func (d *Directory) Lookup(name string) (WorkerInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if w, ok := d.byName[name]; ok {
		return w, nil
	}
	return WorkerInfo{}, fmt.Errorf("%w: %q", ErrUnknownWorker, name)
}

// LookupID resolves a worker by id.
func (d *Directory) LookupID(id WorkerID) (WorkerInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if w, ok := d.byID[id]; ok {
		return w, nil
	}
	return WorkerInfo{}, fmt.Errorf("%w: id %d", ErrUnknownWorker, id)
}

// SetAddr updates the address of a known worker, typically once its listener
// has been bound.
func (d *Directory) SetAddr(name, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	w.Addr = addr
	d.byName[name] = w
	d.byID[w.ID] = w
	return nil
}

// Workers returns all known workers ordered by id.
func (d *Directory) Workers() []WorkerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(d.byID))
	for _, w := range d.byID {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func validateWorkerName(name string) error {
	if len(name) == 0 || len(name) > maxWorkerNameLen {
		return fmt.Errorf("%w: worker name must be 1-%d characters, got %q", ErrInvalidConfig, maxWorkerNameLen, name)
	}
	if !workerNamePattern.MatchString(name) {
		return fmt.Errorf("%w: worker name %q contains illegal characters", ErrInvalidConfig, name)
	}
	return nil
}
