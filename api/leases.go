// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"errors"
	"net/url"

	"github.com/hashicorp/pulse/pulse/structs"
)

// Leases is used to access lease inspection endpoints.
type Leases struct {
	client *Client
}

// Leases returns a handle on the lease endpoints.
func (c *Client) Leases() *Leases {
	return &Leases{client: c}
}

// LeaseStatusResponse pairs the live lease on a resource with the
// manager's view of its health.
type LeaseStatusResponse struct {
	Lease  *structs.Lease       `json:"lease"`
	Health *structs.LeaseHealth `json:"health"`
}

// Status fetches the live lease on a resource, if any.
func (l *Leases) Status(resourceType, resourceID string) (*LeaseStatusResponse, error) {
	if resourceType == "" || resourceID == "" {
		return nil, errors.New("missing lease resource type or id")
	}
	var resp LeaseStatusResponse
	path := "/v1/leases/" + url.PathEscape(resourceType) + "/" + url.PathEscape(resourceID)
	if err := l.client.query(path, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}
