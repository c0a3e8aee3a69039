// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"errors"
	"net/url"

	"github.com/hashicorp/pulse/pulse/structs"
)

// Runs is used to access run endpoints.
type Runs struct {
	client *Client
}

// Runs returns a handle on the run endpoints.
func (c *Client) Runs() *Runs {
	return &Runs{client: c}
}

// Info fetches one run by id.
func (r *Runs) Info(id string) (*structs.Run, error) {
	if id == "" {
		return nil, errors.New("missing run id")
	}
	var resp structs.Run
	if err := r.client.query("/v1/runs/"+url.PathEscape(id), &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}
