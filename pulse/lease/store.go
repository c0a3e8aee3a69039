// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package lease provides mutually exclusive, time-bounded ownership of
// named resources. A Store supplies the atomic substrate and the
// Manager layers acquisition, renewal, and liveness tracking for one
// worker process on top of it.
package lease

import (
	"context"
	"time"

	"github.com/juju/clock"

	"github.com/hashicorp/pulse/pulse/state"
	"github.com/hashicorp/pulse/pulse/structs"
)

// Store is the persistence substrate for leases. Implementations must
// make Acquire, Update, and Delete atomic with respect to each other,
// and must treat a lease past its expiry as absent.
type Store interface {
	// Acquire inserts the lease if no live lease covers its resource,
	// failing with a NONE_AVAILABLE error otherwise.
	Acquire(ctx context.Context, l *structs.Lease) error

	// Get returns a live lease by id, or nil when unknown or lapsed.
	Get(ctx context.Context, id string) (*structs.Lease, error)

	// GetByResource returns the live lease covering a resource, or nil.
	GetByResource(ctx context.Context, resourceType, resourceID string) (*structs.Lease, error)

	// Update persists the lease if it is still live and still owned by
	// l.WorkerID. A lapsed lease yields NOT_FOUND, a stolen one
	// FORBIDDEN.
	Update(ctx context.Context, l *structs.Lease) error

	// Delete releases the lease if owned by workerID.
	Delete(ctx context.Context, id, workerID string) error

	// Reap removes lapsed rows for substrates without native expiry,
	// returning how many were reclaimed.
	Reap(ctx context.Context, now time.Time) (int, error)

	// Name identifies the substrate in logs.
	Name() string
}

// StateBackend stores leases in the embedded state store. Expiry is
// enforced on read and acquire; Reap reclaims rows in the background.
type StateBackend struct {
	state *state.StateStore
	clock clock.Clock
}

// NewStateBackend wraps a state store as a lease substrate.
func NewStateBackend(store *state.StateStore, clk clock.Clock) *StateBackend {
	return &StateBackend{state: store, clock: clk}
}

func (b *StateBackend) Name() string { return "state" }

func (b *StateBackend) Acquire(_ context.Context, l *structs.Lease) error {
	return b.state.AcquireLease(l)
}

func (b *StateBackend) Get(_ context.Context, id string) (*structs.Lease, error) {
	l, err := b.state.LeaseByID(nil, id)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Expired(b.clock.Now().UTC()) {
		return nil, nil
	}
	return l.Copy(), nil
}

func (b *StateBackend) GetByResource(_ context.Context, resourceType, resourceID string) (*structs.Lease, error) {
	l, err := b.state.LeaseByResource(nil, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Expired(b.clock.Now().UTC()) {
		return nil, nil
	}
	return l.Copy(), nil
}

func (b *StateBackend) Update(_ context.Context, l *structs.Lease) error {
	existing, err := b.state.LeaseByID(nil, l.ID)
	if err != nil {
		return err
	}
	if existing == nil || existing.Expired(b.clock.Now().UTC()) {
		return structs.NewErr(structs.ErrNotFound, "lease %s expired or released", l.ID).WithLease(l.ID)
	}
	if existing.WorkerID != l.WorkerID {
		return structs.NewErr(structs.ErrForbidden,
			"lease %s is owned by worker %s", l.ID, existing.WorkerID).WithLease(l.ID)
	}
	return b.state.UpdateLease(l, existing.ModifyIndex)
}

func (b *StateBackend) Delete(_ context.Context, id, workerID string) error {
	existing, err := b.state.LeaseByID(nil, id)
	if err != nil {
		return err
	}
	if existing == nil || existing.Expired(b.clock.Now().UTC()) {
		return structs.NewErr(structs.ErrNotFound, "lease %s expired or released", id).WithLease(id)
	}
	if existing.WorkerID != workerID {
		return structs.NewErr(structs.ErrForbidden,
			"lease %s is owned by worker %s", id, existing.WorkerID).WithLease(id)
	}
	return b.state.DeleteLease(id)
}

func (b *StateBackend) Reap(_ context.Context, now time.Time) (int, error) {
	return b.state.DeleteExpiredLeases(now)
}
