// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lease

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/juju/clock"

	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/structs"
)

// Manager acquires and maintains leases on behalf of one worker. It
// tracks what the worker holds, heartbeats auto-extending leases in the
// background, and answers ownership checks before state transitions
// that require the lease to still be held.
type Manager struct {
	logger hclog.Logger
	store  Store
	clock  clock.Clock

	workerID  string
	processID int

	mu   sync.Mutex
	held map[string]*heldLease

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

type heldLease struct {
	lease  *structs.Lease
	stopCh chan struct{}
}

// NewManager builds a lease manager for the given worker identity.
func NewManager(logger hclog.Logger, store Store, clk clock.Clock, workerID string, processID int) *Manager {
	return &Manager{
		logger:     logger.Named("lease").With("store", store.Name(), "worker_id", workerID),
		store:      store,
		clock:      clk,
		workerID:   workerID,
		processID:  processID,
		held:       make(map[string]*heldLease),
		shutdownCh: make(chan struct{}),
	}
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

// Acquire claims a resource for the manager's worker. Exactly one of
// any set of concurrent claimants wins; the rest receive a
// NONE_AVAILABLE error without blocking.
func (m *Manager) Acquire(ctx context.Context, req *structs.LeaseRequest) (*structs.Lease, error) {
	if req.WorkerID == "" {
		req.WorkerID = m.workerID
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	interval := req.HeartbeatInterval
	if interval <= 0 {
		interval = structs.DefaultLeaseHeartbeatInterval
	}

	now := m.now()
	l := &structs.Lease{
		ID:                uuid.Generate(),
		ResourceType:      req.ResourceType,
		ResourceID:        req.ResourceID,
		WorkerID:          req.WorkerID,
		ProcessID:         m.processID,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(req.Duration),
		DurationSeconds:   int64(req.Duration / time.Second),
		AutoExtend:        req.AutoExtend,
		MaxExtensions:     req.MaxExtensions,
		HeartbeatInterval: interval,
		LastHeartbeat:     now,
	}

	if err := m.store.Acquire(ctx, l); err != nil {
		if structs.IsKind(err, structs.ErrNoneAvailable) {
			metrics.IncrCounter([]string{"pulse", "lease", "contested"}, 1)
		}
		return nil, err
	}
	metrics.IncrCounter([]string{"pulse", "lease", "acquired"}, 1)

	hl := &heldLease{lease: l, stopCh: make(chan struct{})}
	m.mu.Lock()
	m.held[l.ID] = hl
	metrics.SetGauge([]string{"pulse", "lease", "held"}, float32(len(m.held)))
	m.mu.Unlock()

	if l.AutoExtend {
		m.wg.Add(1)
		go m.keepAlive(hl)
	}

	m.logger.Trace("lease acquired", "lease_id", l.ID,
		"resource_type", l.ResourceType, "resource_id", l.ResourceID,
		"expires_at", l.ExpiresAt)
	return l.Copy(), nil
}

// Release gives up a held lease. Releasing a lapsed lease is a no-op
// that reports NOT_FOUND; a non-owner release fails with FORBIDDEN and
// has no side effects.
func (m *Manager) Release(ctx context.Context, leaseID string) error {
	m.forget(leaseID)

	err := m.store.Delete(ctx, leaseID, m.workerID)
	if err != nil {
		if structs.IsKind(err, structs.ErrNotFound) {
			m.logger.Trace("lease already expired or released", "lease_id", leaseID)
		}
		return err
	}
	metrics.IncrCounter([]string{"pulse", "lease", "released"}, 1)
	m.logger.Trace("lease released", "lease_id", leaseID)
	return nil
}

// Extend renews a held lease: the new expiry is now plus the extension,
// the extension counter advances, and the heartbeat is refreshed.
func (m *Manager) Extend(ctx context.Context, leaseID string, extension time.Duration) (*structs.Lease, error) {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, structs.NewErr(structs.ErrNotFound, "lease %s expired or released", leaseID).WithLease(leaseID)
	}
	if !l.OwnedBy(m.workerID) {
		return nil, structs.NewErr(structs.ErrForbidden,
			"lease %s is owned by worker %s", leaseID, l.WorkerID).WithLease(leaseID)
	}
	if l.ExtensionsRemaining() == 0 {
		return nil, structs.NewErr(structs.ErrConflict,
			"lease %s reached its extension limit of %d", leaseID, l.MaxExtensions).WithLease(leaseID)
	}

	now := m.now()
	up := l.Copy()
	up.ExpiresAt = now.Add(extension)
	up.CurrentExtensions++
	up.LastHeartbeat = now

	if err := m.store.Update(ctx, up); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"pulse", "lease", "extended"}, 1)

	m.remember(up)
	return up.Copy(), nil
}

// Heartbeat refreshes the liveness stamp on a held lease without
// moving its expiry.
func (m *Manager) Heartbeat(ctx context.Context, leaseID string) error {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return err
	}
	if l == nil {
		return structs.NewErr(structs.ErrNotFound, "lease %s expired or released", leaseID).WithLease(leaseID)
	}
	if !l.OwnedBy(m.workerID) {
		return structs.NewErr(structs.ErrForbidden,
			"lease %s is owned by worker %s", leaseID, l.WorkerID).WithLease(leaseID)
	}

	up := l.Copy()
	up.LastHeartbeat = m.now()
	up.HeartbeatFailures = 0

	if err := m.store.Update(ctx, up); err != nil {
		return err
	}
	m.remember(up)
	return nil
}

// Health reports liveness for a lease without mutating it.
func (m *Manager) Health(ctx context.Context, leaseID string) (*structs.LeaseHealth, error) {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, structs.NewErr(structs.ErrNotFound, "lease %s expired or released", leaseID).WithLease(leaseID)
	}

	now := m.now()
	return &structs.LeaseHealth{
		LeaseID:             l.ID,
		Alive:               l.Alive(now),
		TimeToExpiry:        l.TimeToExpiry(now),
		ExtensionsRemaining: l.ExtensionsRemaining(),
		HeartbeatFailures:   l.HeartbeatFailures,
		LastHeartbeat:       l.LastHeartbeat,
		CurrentExtensions:   l.CurrentExtensions,
	}, nil
}

// Owns reports whether this worker still holds a live lease.
func (m *Manager) Owns(ctx context.Context, leaseID string) (bool, error) {
	l, err := m.store.Get(ctx, leaseID)
	if err != nil {
		return false, err
	}
	return l != nil && l.OwnedBy(m.workerID), nil
}

// Holder returns the live lease covering a resource, or nil.
func (m *Manager) Holder(ctx context.Context, resourceType, resourceID string) (*structs.Lease, error) {
	return m.store.GetByResource(ctx, resourceType, resourceID)
}

// Held returns the leases this manager believes it holds.
func (m *Manager) Held() []*structs.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*structs.Lease, 0, len(m.held))
	for _, hl := range m.held {
		out = append(out, hl.lease.Copy())
	}
	return out
}

// Reap reclaims lapsed rows on substrates without native expiry.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	return m.store.Reap(ctx, m.now())
}

// Shutdown stops keepalive loops and releases everything still held.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
	m.wg.Wait()

	for _, l := range m.Held() {
		if err := m.Release(ctx, l.ID); err != nil && !structs.IsKind(err, structs.ErrNotFound) {
			m.logger.Warn("failed to release lease during shutdown",
				"lease_id", l.ID, "error", err)
		}
	}
}

// remember refreshes the held view after a successful store write.
func (m *Manager) remember(l *structs.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hl, ok := m.held[l.ID]; ok {
		hl.lease = l.Copy()
	}
}

// forget drops a lease from the held set and stops its keepalive.
func (m *Manager) forget(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hl, ok := m.held[leaseID]; ok {
		close(hl.stopCh)
		delete(m.held, leaseID)
		metrics.SetGauge([]string{"pulse", "lease", "held"}, float32(len(m.held)))
	}
}

// keepAlive heartbeats an auto-extend lease every interval and renews
// it once less than half of its window remains. The loop exits when
// the lease is released, stolen, out of extensions, or the manager
// shuts down.
func (m *Manager) keepAlive(hl *heldLease) {
	defer m.wg.Done()

	l := hl.lease
	interval := l.HeartbeatInterval
	timer := m.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-m.shutdownCh:
			return
		case <-hl.stopCh:
			return
		case <-timer.Chan():
		}

		ctx := context.Background()
		if err := m.Heartbeat(ctx, l.ID); err != nil {
			switch {
			case structs.IsKind(err, structs.ErrNotFound), structs.IsKind(err, structs.ErrForbidden):
				m.logger.Debug("stopping keepalive, lease no longer held",
					"lease_id", l.ID, "error", err)
				m.forget(l.ID)
				return
			default:
				metrics.IncrCounter([]string{"pulse", "lease", "heartbeat_failure"}, 1)
				m.bumpHeartbeatFailures(l.ID)
				m.logger.Warn("lease heartbeat failed", "lease_id", l.ID, "error", err)
			}
		}

		if cur := m.heldView(l.ID); cur != nil {
			remaining := cur.TimeToExpiry(m.now())
			window := time.Duration(cur.DurationSeconds) * time.Second
			if remaining <= window/2 {
				if _, err := m.Extend(ctx, l.ID, window); err != nil {
					m.logger.Warn("lease auto-extend failed", "lease_id", l.ID, "error", err)
					if structs.IsKind(err, structs.ErrConflict) {
						// Out of extensions. Let the lease run out
						// its remaining window.
						return
					}
				}
			}
		}

		timer.Reset(interval)
	}
}

func (m *Manager) heldView(leaseID string) *structs.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hl, ok := m.held[leaseID]; ok {
		return hl.lease.Copy()
	}
	return nil
}

func (m *Manager) bumpHeartbeatFailures(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hl, ok := m.held[leaseID]; ok {
		hl.lease.HeartbeatFailures++
	}
}
