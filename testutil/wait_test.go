// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWait_WaitForResult(t *testing.T) {
	var calls int32

	WaitForResult(func() (bool, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return false, errors.New("not yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("should have succeeded: %v", err)
	})

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestWait_WaitForResultRetries_Exhausted(t *testing.T) {
	var failed error

	WaitForResultRetries(3, func() (bool, error) {
		return false, errors.New("never")
	}, func(err error) {
		failed = err
	})

	require.Error(t, failed)
	require.Equal(t, "never", failed.Error())
}

func TestWait_Timeout(t *testing.T) {
	scaled := Timeout(time.Second)
	require.Equal(t, time.Second*time.Duration(TestMultiplier()), scaled)
}
