// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// LeaseResourceTrigger is the resource type guarding trigger
	// dispatch. The lease on (scheduled_trigger, trigger_id) is what
	// keeps a fire exclusive across workers.
	LeaseResourceTrigger = "scheduled_trigger"

	// LeaseMinSeconds and LeaseMaxSeconds bound an accepted lease
	// duration.
	LeaseMinSeconds = 1
	LeaseMaxSeconds = 3600

	// DefaultLeaseHeartbeatInterval is applied when an acquire request
	// does not set one.
	DefaultLeaseHeartbeatInterval = 10 * time.Second

	// LeaseHeartbeatGraceFactor times the heartbeat interval is how
	// stale a heartbeat may be before the lease stops counting as
	// alive.
	LeaseHeartbeatGraceFactor = 3
)

// Lease is a short-lived exclusive claim on (ResourceType, ResourceID).
// The storage layer enforces uniqueness of the compound key and expires
// records at ExpiresAt.
type Lease struct {
	ID string `json:"id"`

	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`

	WorkerID  string `json:"worker_id"`
	ProcessID int    `json:"process_id,omitempty"`

	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	DurationSeconds   int64 `json:"duration_seconds"`
	AutoExtend        bool  `json:"auto_extend"`
	MaxExtensions     int   `json:"max_extensions"`
	CurrentExtensions int   `json:"current_extensions"`

	LastHeartbeat     time.Time     `json:"last_heartbeat,omitzero"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatFailures int           `json:"heartbeat_failures"`

	CreateIndex uint64 `json:"create_index"`
	ModifyIndex uint64 `json:"modify_index"`
}

func (l *Lease) Copy() *Lease {
	if l == nil {
		return nil
	}
	nl := new(Lease)
	*nl = *l
	return nl
}

func (l *Lease) Validate() error {
	var mErr multierror.Error
	if l.ResourceType == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing resource_type"))
	}
	if l.ResourceID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing resource_id"))
	}
	if l.WorkerID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing worker_id"))
	}
	if l.DurationSeconds < LeaseMinSeconds || l.DurationSeconds > LeaseMaxSeconds {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("duration_seconds must be in [%d, %d], got %d",
			LeaseMinSeconds, LeaseMaxSeconds, l.DurationSeconds))
	}
	if l.MaxExtensions < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_extensions must be >= 0, got %d", l.MaxExtensions))
	}
	if !l.ExpiresAt.After(l.AcquiredAt) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("expires_at must follow acquired_at"))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return WrapErr(ErrValidation, err, "lease validation failed").WithLease(l.ID)
	}
	return nil
}

// Expired reports whether the lease TTL has passed.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Alive reports whether the lease still guards its resource: not
// expired and heartbeated within the grace window. A lease that has
// never heartbeated is judged from its acquisition time.
func (l *Lease) Alive(now time.Time) bool {
	if l.Expired(now) {
		return false
	}
	last := l.LastHeartbeat
	if last.IsZero() {
		last = l.AcquiredAt
	}
	grace := time.Duration(LeaseHeartbeatGraceFactor) * l.HeartbeatInterval
	return now.Sub(last) <= grace
}

// TimeToExpiry returns the remaining TTL, never negative.
func (l *Lease) TimeToExpiry(now time.Time) time.Duration {
	if l.Expired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// ExtensionsRemaining returns how many extensions the policy still
// allows.
func (l *Lease) ExtensionsRemaining() int {
	rem := l.MaxExtensions - l.CurrentExtensions
	if rem < 0 {
		return 0
	}
	return rem
}

// OwnedBy reports whether the worker holds this lease.
func (l *Lease) OwnedBy(workerID string) bool {
	return l.WorkerID == workerID
}

// LeaseRequest is the input to an acquire call.
type LeaseRequest struct {
	ResourceType string        `json:"resource_type"`
	ResourceID   string        `json:"resource_id"`
	Duration     time.Duration `json:"duration"`
	WorkerID     string        `json:"worker_id"`
	ProcessID    int           `json:"process_id,omitempty"`

	AutoExtend    bool `json:"auto_extend,omitempty"`
	MaxExtensions int  `json:"max_extensions,omitempty"`

	// HeartbeatInterval defaults when zero.
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
}

func (r *LeaseRequest) Validate() error {
	var mErr multierror.Error
	if r.ResourceType == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing resource_type"))
	}
	if r.ResourceID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing resource_id"))
	}
	if r.WorkerID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing worker_id"))
	}
	secs := int64(r.Duration / time.Second)
	if secs < LeaseMinSeconds || secs > LeaseMaxSeconds {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("duration must be in [%ds, %ds], got %s",
			LeaseMinSeconds, LeaseMaxSeconds, r.Duration))
	}
	if r.MaxExtensions < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_extensions must be >= 0, got %d", r.MaxExtensions))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return WrapErr(ErrValidation, err, "lease request validation failed")
	}
	return nil
}

// LeaseHealth is the live view returned by the lease manager's health
// probe.
type LeaseHealth struct {
	LeaseID             string        `json:"lease_id"`
	Alive               bool          `json:"alive"`
	TimeToExpiry        time.Duration `json:"time_to_expiry"`
	ExtensionsRemaining int           `json:"extensions_remaining"`
	HeartbeatFailures   int           `json:"heartbeat_failures"`
	LastHeartbeat       time.Time     `json:"last_heartbeat,omitzero"`
	CurrentExtensions   int           `json:"current_extensions"`
}
