// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/pulse/pulse/structs"
)

func (s *HTTPServer) RunSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	id := strings.TrimPrefix(req.URL.Path, s.prefix+"/runs/")
	if id == "" {
		return nil, CodedError(400, "Missing run id")
	}
	r, err := s.agent.State().RunByID(nil, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, structs.NewErr(structs.ErrNotFound, "run %s not found", id)
	}
	return r, nil
}
