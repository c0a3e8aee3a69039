// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/mock"
	"github.com/hashicorp/pulse/pulse/structs"
)

func TestHTTP_RunSpecificRequest(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		tr := mock.IntervalTrigger(60)
		require.NoError(t, s.Agent.State().CreateTrigger(tr))
		run := mock.Run(tr)
		require.NoError(t, s.Agent.State().CreateRun(run))

		req, err := http.NewRequest(http.MethodGet, "/v1/runs/"+run.ID, nil)
		require.NoError(t, err)
		obj, err := s.Server.RunSpecificRequest(httptest.NewRecorder(), req)
		require.NoError(t, err)

		out := obj.(*structs.Run)
		require.Equal(t, run.ID, out.ID)
		require.Equal(t, tr.ID, out.TriggerID)
		require.Equal(t, structs.RunStatusPending, out.Status)
	})
}

func TestHTTP_RunSpecificRequest_NotFound(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		req, err := http.NewRequest(http.MethodGet, "/v1/runs/"+uuid.Generate(), nil)
		require.NoError(t, err)
		_, err = s.Server.RunSpecificRequest(httptest.NewRecorder(), req)
		require.Error(t, err)
		require.True(t, structs.IsKind(err, structs.ErrNotFound))

		// No id at all is a malformed request, not a lookup miss.
		req, err = http.NewRequest(http.MethodGet, "/v1/runs/", nil)
		require.NoError(t, err)
		_, err = s.Server.RunSpecificRequest(httptest.NewRecorder(), req)
		require.Error(t, err)
		coded, ok := err.(HTTPCodedError)
		require.True(t, ok)
		require.Equal(t, 400, coded.Code())
	})
}

func TestHTTP_RunSpecificRequest_MethodNotAllowed(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		req, err := http.NewRequest(http.MethodDelete, "/v1/runs/"+uuid.Generate(), nil)
		require.NoError(t, err)
		_, err = s.Server.RunSpecificRequest(httptest.NewRecorder(), req)
		require.Error(t, err)
		coded, ok := err.(HTTPCodedError)
		require.True(t, ok)
		require.Equal(t, 405, coded.Code())
	})
}
