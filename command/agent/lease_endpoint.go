// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/pulse/pulse/structs"
)

// LeaseStatusResponse pairs the live lease on a resource with the
// manager's view of its health.
type LeaseStatusResponse struct {
	Lease  *structs.Lease       `json:"lease"`
	Health *structs.LeaseHealth `json:"health"`
}

func (s *HTTPServer) LeaseSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	path := strings.TrimPrefix(req.URL.Path, s.prefix+"/leases/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, CodedError(400, "Lease lookup requires /leases/{resource_type}/{resource_id}")
	}
	resourceType, resourceID := parts[0], parts[1]

	mgr := s.agent.Orchestrator().Leases()
	holder, err := mgr.Holder(req.Context(), resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, structs.NewErr(structs.ErrNotFound, "no live lease for %s/%s", resourceType, resourceID)
	}
	health, err := mgr.Health(req.Context(), holder.ID)
	if err != nil {
		return nil, err
	}
	return &LeaseStatusResponse{Lease: holder, Health: health}, nil
}
