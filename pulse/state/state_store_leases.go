// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/pulse/pulse/structs"
)

// AcquireLease inserts a lease if no live lease covers the resource.
// A lapsed lease on the same resource is removed in the same
// transaction, so expiry and takeover are atomic.
func (s *StateStore) AcquireLease(l *structs.Lease) error {
	if err := l.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	now := s.now()

	raw, err := txn.First(TableLeases, indexResource, l.ResourceType, l.ResourceID)
	if err != nil {
		return fmt.Errorf("lease lookup failed: %v", err)
	}
	if raw != nil {
		existing := raw.(*structs.Lease)
		if !existing.Expired(now) {
			return structs.NewErr(structs.ErrNoneAvailable,
				"resource %s/%s is leased to worker %s until %s",
				l.ResourceType, l.ResourceID, existing.WorkerID,
				existing.ExpiresAt.Format(time.RFC3339)).WithLease(existing.ID)
		}
		if err := txn.Delete(TableLeases, existing); err != nil {
			return fmt.Errorf("lease delete failed: %v", err)
		}
	}

	idx, err := s.writeIndex(txn, TableLeases)
	if err != nil {
		return err
	}

	l.CreateIndex, l.ModifyIndex = idx, idx

	if err := txn.Insert(TableLeases, l.Copy()); err != nil {
		return fmt.Errorf("lease insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// UpdateLease replaces a lease row, typically to extend its expiry or
// record a heartbeat. The caller's modify index must match.
func (s *StateStore) UpdateLease(l *structs.Lease, casIndex uint64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableLeases, indexID, l.ID)
	if err != nil {
		return fmt.Errorf("lease lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "lease %s not found", l.ID).WithLease(l.ID)
	}
	existing := raw.(*structs.Lease)

	if casIndex != 0 && existing.ModifyIndex != casIndex {
		return structs.NewErr(structs.ErrConflict,
			"lease %s modified concurrently: index %d, expected %d",
			l.ID, existing.ModifyIndex, casIndex).WithLease(l.ID)
	}

	idx, err := s.writeIndex(txn, TableLeases)
	if err != nil {
		return err
	}

	up := l.Copy()
	up.CreateIndex = existing.CreateIndex
	up.ModifyIndex = idx

	if err := txn.Insert(TableLeases, up); err != nil {
		return fmt.Errorf("lease insert failed: %v", err)
	}
	txn.Commit()

	l.CreateIndex = up.CreateIndex
	l.ModifyIndex = up.ModifyIndex
	return nil
}

// DeleteLease removes a lease row.
func (s *StateStore) DeleteLease(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableLeases, indexID, id)
	if err != nil {
		return fmt.Errorf("lease lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "lease %s not found", id).WithLease(id)
	}
	if err := txn.Delete(TableLeases, raw); err != nil {
		return fmt.Errorf("lease delete failed: %v", err)
	}
	if _, err := s.writeIndex(txn, TableLeases); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeleteExpiredLeases sweeps every lease whose expiry passed, returning
// how many were removed. Acquire treats lapsed rows as absent already,
// so this is a space reclaim, not a correctness gate.
func (s *StateStore) DeleteExpiredLeases(now time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableLeases, indexExpires, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("lease scan failed: %v", err)
	}

	var lapsed []*structs.Lease
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		l := raw.(*structs.Lease)
		if !l.Expired(now) {
			break
		}
		lapsed = append(lapsed, l)
	}

	for _, l := range lapsed {
		if err := txn.Delete(TableLeases, l); err != nil {
			return 0, fmt.Errorf("lease delete failed: %v", err)
		}
	}
	if len(lapsed) > 0 {
		if _, err := s.writeIndex(txn, TableLeases); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return len(lapsed), nil
}

// LeaseByID returns a lease or nil when unknown.
func (s *StateStore) LeaseByID(ws memdb.WatchSet, id string) (*structs.Lease, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableLeases, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("lease lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Lease), nil
	}
	return nil, nil
}

// LeaseByResource returns the lease covering a resource or nil when
// none is held.
func (s *StateStore) LeaseByResource(ws memdb.WatchSet, resourceType, resourceID string) (*structs.Lease, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableLeases, indexResource, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("lease lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Lease), nil
	}
	return nil, nil
}

// LeasesByWorker returns all leases held by one worker.
func (s *StateStore) LeasesByWorker(ws memdb.WatchSet, workerID string) ([]*structs.Lease, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableLeases, indexWorker, workerID)
	if err != nil {
		return nil, fmt.Errorf("lease scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Lease
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Lease))
	}
	return out, nil
}

// Leases returns an iterator over every lease row.
func (s *StateStore) Leases(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableLeases, indexID)
	if err != nil {
		return nil, fmt.Errorf("lease scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
