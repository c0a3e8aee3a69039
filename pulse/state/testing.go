// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"

	"github.com/juju/clock"

	"github.com/hashicorp/pulse/helper/testlog"
)

// TestStateStore returns an empty state store on the wall clock.
func TestStateStore(t testing.TB) *StateStore {
	store, err := New(testlog.HCLogger(t), clock.WallClock)
	if err != nil {
		t.Fatalf("state store setup failed: %v", err)
	}
	return store
}

// TestStateStoreWithClock returns an empty state store whose write
// timestamps come from the given clock.
func TestStateStoreWithClock(t testing.TB, clk clock.Clock) *StateStore {
	store, err := New(testlog.HCLogger(t), clk)
	if err != nil {
		t.Fatalf("state store setup failed: %v", err)
	}
	return store
}
