// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/api"
	"github.com/hashicorp/pulse/ci"
)

func TestTriggerExecuteCommand_Run(t *testing.T) {
	ci.Parallel(t)

	srv, client, url := testServer(t, nil)

	spec := testTriggerSpec("on-demand-export")
	spec.TriggerConfig = &api.TriggerConfig{Kind: "manual"}
	created, err := client.Triggers().Create(spec)
	must.NoError(t, err)

	ui := cli.NewMockUi()
	cmd := &TriggerExecuteCommand{Meta: Meta{Ui: ui}}

	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, created.ID}))
	out := ui.OutputWriter.String()
	must.StrContains(t, out, limit(created.ID, shortId))
	must.StrContains(t, out, "scheduled for "+formatTime(srv.Clock.Now()))
}

func TestTriggerExecuteCommand_Errors(t *testing.T) {
	ci.Parallel(t)

	_, client, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TriggerExecuteCommand{Meta: Meta{Ui: ui}}

	// Missing argument.
	must.Eq(t, 1, cmd.Run([]string{"-address=" + url}))
	must.StrContains(t, ui.ErrorWriter.String(), "takes one argument")

	ui.ErrorWriter.Reset()

	// Archived triggers refuse manual fires.
	created, err := client.Triggers().Create(testTriggerSpec("retired"))
	must.NoError(t, err)
	_, err = client.Triggers().Archive(created.ID)
	must.NoError(t, err)

	must.Eq(t, 1, cmd.Run([]string{"-address=" + url, created.ID}))
	must.StrContains(t, ui.ErrorWriter.String(), "Error executing trigger")
}
