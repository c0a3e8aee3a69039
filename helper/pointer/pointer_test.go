// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pointer

import (
	"testing"

	"github.com/shoenig/test/must"
)

func Test_Of(t *testing.T) {
	i := 42
	iPtr := Of(i)

	must.Eq(t, i, *iPtr)

	*iPtr = 7
	must.Eq(t, 42, i)
}

func Test_Copy(t *testing.T) {
	b := true
	bPtr := Copy(&b)

	must.Eq(t, b, *bPtr)

	*bPtr = false
	must.True(t, b)

	must.Nil(t, Copy[bool](nil))
}
