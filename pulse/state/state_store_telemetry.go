// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"math"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/structs"
)

// --- Heartbeats ---

// InsertHeartbeat appends one heartbeat to an agent's series. A
// sequence number below the stored head is an out-of-order arrival and
// is dropped with CONFLICT so the stored series stays non-decreasing.
func (s *StateStore) InsertHeartbeat(hb *structs.Heartbeat) error {
	if err := hb.Validate(); err != nil {
		return err
	}

	if hb.ID == "" {
		hb.ID = uuid.Generate()
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.ReverseLowerBound(TableHeartbeats, indexAgentSeq, hb.AgentID, uint64(math.MaxUint64))
	if err != nil {
		return fmt.Errorf("heartbeat scan failed: %v", err)
	}
	if raw := iter.Next(); raw != nil {
		head := raw.(*structs.Heartbeat)
		if head.AgentID == hb.AgentID && hb.Sequence < head.Sequence {
			return structs.NewErr(structs.ErrConflict,
				"heartbeat sequence %d for agent %s regresses behind %d",
				hb.Sequence, hb.AgentID, head.Sequence)
		}
	}

	idx, err := s.writeIndex(txn, TableHeartbeats)
	if err != nil {
		return err
	}

	hb.ReceivedAt = s.now()
	hb.CreateIndex = idx

	if err := txn.Insert(TableHeartbeats, hb.Copy()); err != nil {
		return fmt.Errorf("heartbeat insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// LatestHeartbeat returns an agent's newest heartbeat by emission time,
// or nil when the series is empty.
func (s *StateStore) LatestHeartbeat(ws memdb.WatchSet, agentID string) (*structs.Heartbeat, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.ReverseLowerBound(TableHeartbeats, indexAgentTime, agentID, timeMax)
	if err != nil {
		return nil, fmt.Errorf("heartbeat scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	if raw := iter.Next(); raw != nil {
		hb := raw.(*structs.Heartbeat)
		if hb.AgentID == agentID {
			return hb, nil
		}
	}
	return nil, nil
}

// HeartbeatsByAgentRange returns an agent's heartbeats with emission
// time inside [start, end], oldest first.
func (s *StateStore) HeartbeatsByAgentRange(ws memdb.WatchSet, agentID string, start, end time.Time) ([]*structs.Heartbeat, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableHeartbeats, indexAgentTime, agentID, start)
	if err != nil {
		return nil, fmt.Errorf("heartbeat scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Heartbeat
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		hb := raw.(*structs.Heartbeat)
		if hb.AgentID != agentID || hb.Timestamp.After(end) {
			break
		}
		out = append(out, hb)
	}
	return out, nil
}

// DeleteHeartbeatsBefore sweeps heartbeats emitted before the cutoff,
// returning how many were removed.
func (s *StateStore) DeleteHeartbeatsBefore(cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableHeartbeats, indexTime, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("heartbeat scan failed: %v", err)
	}

	var stale []*structs.Heartbeat
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		hb := raw.(*structs.Heartbeat)
		if !hb.Timestamp.Before(cutoff) {
			break
		}
		stale = append(stale, hb)
	}

	for _, hb := range stale {
		if err := txn.Delete(TableHeartbeats, hb); err != nil {
			return 0, fmt.Errorf("heartbeat delete failed: %v", err)
		}
	}
	if len(stale) > 0 {
		if _, err := s.writeIndex(txn, TableHeartbeats); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return len(stale), nil
}

// --- Metrics samples ---

// InsertMetricsSample appends one system metrics sample.
func (s *StateStore) InsertMetricsSample(m *structs.MetricsSample) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.Generate()
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	idx, err := s.writeIndex(txn, TableMetrics)
	if err != nil {
		return err
	}

	m.ReceivedAt = s.now()
	m.CreateIndex = idx

	if err := txn.Insert(TableMetrics, m.Copy()); err != nil {
		return fmt.Errorf("metrics insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// MetricsByAgentRange returns an agent's samples with emission time
// inside [start, end], oldest first.
func (s *StateStore) MetricsByAgentRange(ws memdb.WatchSet, agentID string, start, end time.Time) ([]*structs.MetricsSample, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableMetrics, indexAgentTime, agentID, start)
	if err != nil {
		return nil, fmt.Errorf("metrics scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.MetricsSample
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		m := raw.(*structs.MetricsSample)
		if m.AgentID != agentID || m.Timestamp.After(end) {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteMetricsBefore sweeps samples emitted before the cutoff,
// returning how many were removed.
func (s *StateStore) DeleteMetricsBefore(cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableMetrics, indexTime, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("metrics scan failed: %v", err)
	}

	var stale []*structs.MetricsSample
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		m := raw.(*structs.MetricsSample)
		if !m.Timestamp.Before(cutoff) {
			break
		}
		stale = append(stale, m)
	}

	for _, m := range stale {
		if err := txn.Delete(TableMetrics, m); err != nil {
			return 0, fmt.Errorf("metrics delete failed: %v", err)
		}
	}
	if len(stale) > 0 {
		if _, err := s.writeIndex(txn, TableMetrics); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return len(stale), nil
}

// --- Health status ---

// UpsertHealthStatus records the latest derived health for an agent.
func (s *StateStore) UpsertHealthStatus(hs *structs.HealthStatus) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableHealthStatus, indexID, hs.AgentID)
	if err != nil {
		return fmt.Errorf("health status lookup failed: %v", err)
	}

	idx, err := s.writeIndex(txn, TableHealthStatus)
	if err != nil {
		return err
	}

	up := hs.Copy()
	if raw != nil {
		up.CreateIndex = raw.(*structs.HealthStatus).CreateIndex
	} else {
		up.CreateIndex = idx
	}
	up.ModifyIndex = idx
	up.UpdatedAt = s.now()

	if err := txn.Insert(TableHealthStatus, up); err != nil {
		return fmt.Errorf("health status insert failed: %v", err)
	}
	txn.Commit()

	hs.CreateIndex = up.CreateIndex
	hs.ModifyIndex = up.ModifyIndex
	hs.UpdatedAt = up.UpdatedAt
	return nil
}

// HealthStatusByAgent returns an agent's derived health or nil when
// the agent has never reported.
func (s *StateStore) HealthStatusByAgent(ws memdb.WatchSet, agentID string) (*structs.HealthStatus, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableHealthStatus, indexID, agentID)
	if err != nil {
		return nil, fmt.Errorf("health status lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.HealthStatus), nil
	}
	return nil, nil
}

// HealthStatuses returns an iterator over every agent's derived health.
func (s *StateStore) HealthStatuses(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableHealthStatus, indexID)
	if err != nil {
		return nil, fmt.Errorf("health status scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// StaleHealthStatuses returns agents that are not yet offline but whose
// last heartbeat predates the cutoff. The offline monitor sweeps these.
func (s *StateStore) StaleHealthStatuses(ws memdb.WatchSet, cutoff time.Time) ([]*structs.HealthStatus, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableHealthStatus, indexHeartbeat, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("health status scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.HealthStatus
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		hs := raw.(*structs.HealthStatus)
		if !hs.LastHeartbeatAt.Before(cutoff) {
			break
		}
		if hs.Status != structs.HealthStatusOffline {
			out = append(out, hs)
		}
	}
	return out, nil
}

// --- Uptime sessions ---

// TransitionUptimeSession closes an agent's active session and opens a
// new one of the given kind. Observing the same kind again is a no-op
// and returns the session already in progress. At most one session per
// agent is active at any time.
func (s *StateStore) TransitionUptimeSession(agentID, kind string, at time.Time, failureClass string) (*structs.UptimeSession, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableUptimeLogs, indexActive, agentID, true)
	if err != nil {
		return nil, fmt.Errorf("uptime session lookup failed: %v", err)
	}

	var active *structs.UptimeSession
	if raw != nil {
		active = raw.(*structs.UptimeSession)
		if active.Kind == kind {
			txn.Abort()
			return active, nil
		}
	}

	idx, err := s.writeIndex(txn, TableUptimeLogs)
	if err != nil {
		return nil, err
	}

	if active != nil {
		closed := active.Copy()
		closed.EndedAt = at
		if closed.EndedAt.Before(closed.StartedAt) {
			closed.EndedAt = closed.StartedAt
		}
		closed.IsActive = false
		closed.ModifyIndex = idx
		if err := txn.Insert(TableUptimeLogs, closed); err != nil {
			return nil, fmt.Errorf("uptime session insert failed: %v", err)
		}
	}

	opened := &structs.UptimeSession{
		ID:           uuid.Generate(),
		AgentID:      agentID,
		Kind:         kind,
		StartedAt:    at,
		IsActive:     true,
		FailureClass: failureClass,
		CreateIndex:  idx,
		ModifyIndex:  idx,
	}
	if err := txn.Insert(TableUptimeLogs, opened.Copy()); err != nil {
		return nil, fmt.Errorf("uptime session insert failed: %v", err)
	}
	txn.Commit()
	return opened, nil
}

// ActiveUptimeSession returns an agent's open session or nil.
func (s *StateStore) ActiveUptimeSession(ws memdb.WatchSet, agentID string) (*structs.UptimeSession, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableUptimeLogs, indexActive, agentID, true)
	if err != nil {
		return nil, fmt.Errorf("uptime session lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.UptimeSession), nil
	}
	return nil, nil
}

// UptimeSessionsInRange returns an agent's sessions that overlap the
// window [start, end], ordered by start time.
func (s *StateStore) UptimeSessionsInRange(ws memdb.WatchSet, agentID string, start, end time.Time) ([]*structs.UptimeSession, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableUptimeLogs, indexAgentTime, agentID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("uptime session scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.UptimeSession
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		sess := raw.(*structs.UptimeSession)
		if sess.AgentID != agentID || sess.StartedAt.After(end) {
			break
		}
		if !sess.EndedAt.IsZero() && sess.EndedAt.Before(start) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteUptimeSessionsEndedBefore sweeps closed sessions that ended
// before the cutoff, returning how many were removed.
func (s *StateStore) DeleteUptimeSessionsEndedBefore(cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableUptimeLogs, indexEnded, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("uptime session scan failed: %v", err)
	}

	var stale []*structs.UptimeSession
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		sess := raw.(*structs.UptimeSession)
		if !sess.EndedAt.Before(cutoff) {
			break
		}
		if !sess.IsActive {
			stale = append(stale, sess)
		}
	}

	for _, sess := range stale {
		if err := txn.Delete(TableUptimeLogs, sess); err != nil {
			return 0, fmt.Errorf("uptime session delete failed: %v", err)
		}
	}
	if len(stale) > 0 {
		if _, err := s.writeIndex(txn, TableUptimeLogs); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return len(stale), nil
}
