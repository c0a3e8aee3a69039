// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/structs"
)

func TestTriggerPauseCommand_Run(t *testing.T) {
	ci.Parallel(t)

	_, client, url := testServer(t, nil)

	created, err := client.Triggers().Create(testTriggerSpec("hourly-sync"))
	must.NoError(t, err)
	must.Eq(t, structs.TriggerStatusActive, created.Status)

	ui := cli.NewMockUi()
	cmd := &TriggerPauseCommand{Meta: Meta{Ui: ui}}

	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, created.ID}))
	must.StrContains(t, ui.OutputWriter.String(), `Trigger "hourly-sync" paused`)

	paused, err := client.Triggers().Info(created.ID)
	must.NoError(t, err)
	must.Eq(t, structs.TriggerStatusPaused, paused.Status)

	// Pausing an already paused trigger is a no-op.
	ui.OutputWriter.Reset()
	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, created.ID}))
	must.StrContains(t, ui.OutputWriter.String(), "paused")
}

func TestTriggerPauseCommand_Errors(t *testing.T) {
	ci.Parallel(t)

	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TriggerPauseCommand{Meta: Meta{Ui: ui}}

	must.Eq(t, 1, cmd.Run([]string{"-address=" + url}))
	must.StrContains(t, ui.ErrorWriter.String(), "takes one argument")

	ui.ErrorWriter.Reset()

	must.Eq(t, 1, cmd.Run([]string{"-address=" + url, uuid.Generate()}))
	must.StrContains(t, ui.ErrorWriter.String(), "Error pausing trigger")
}
