// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
)

// MetricsRequest serves the in-memory metrics snapshot.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.agent.InmemSink.DisplayMetrics(resp, req)
}
