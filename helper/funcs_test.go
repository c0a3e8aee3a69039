// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package helper

import (
	"math"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
)

func TestRandomStagger(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, time.Duration(0), RandomStagger(0))

	intv := 10 * time.Second
	for i := 0; i < 100; i++ {
		s := RandomStagger(intv)
		must.GreaterEq(t, time.Duration(0), s)
		must.Less(t, intv, s)
	}
}

func TestNewSafeTimer(t *testing.T) {
	ci.Parallel(t)

	t.Run("zero duration", func(t *testing.T) {
		timer, stop := NewSafeTimer(0)
		defer stop()

		<-timer.C
	})

	t.Run("positive duration", func(t *testing.T) {
		timer, stop := NewSafeTimer(1)
		defer stop()

		<-timer.C
	})
}

func TestNewStoppedTimer(t *testing.T) {
	ci.Parallel(t)

	timer, stop := NewStoppedTimer()
	defer stop()

	select {
	case <-timer.C:
		t.Fatal("stopped timer should not fire")
	default:
	}
}

func TestClamp(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, 5, Clamp(5, 1, 10))
	must.Eq(t, 10, Clamp(5, 99, 10))
	must.Eq(t, 7, Clamp(5, 7, 10))
	must.Eq(t, 2.5, Clamp(1.0, 2.5, 3.0))
}

func TestUnixMilli(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, int64(0), UnixMilli(time.Time{}))

	ts := time.Date(2024, 6, 1, 12, 0, 0, int(250*time.Millisecond), time.UTC)
	must.Eq(t, ts.UnixMilli(), UnixMilli(ts))
}

func TestMean(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, 0.0, Mean(nil))
	must.Eq(t, 4.0, Mean([]float64{2, 4, 6}))
}

func TestStdDev(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, 0.0, StdDev(nil))
	must.Eq(t, 0.0, StdDev([]float64{42}))

	// Population form: divide by n, not n-1.
	got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	must.True(t, math.Abs(got-2.0) < 1e-9)
}
