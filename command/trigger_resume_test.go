// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/pulse/structs"
)

func TestTriggerResumeCommand_Run(t *testing.T) {
	ci.Parallel(t)

	_, client, url := testServer(t, nil)

	created, err := client.Triggers().Create(testTriggerSpec("hourly-sync"))
	must.NoError(t, err)
	_, err = client.Triggers().Pause(created.ID)
	must.NoError(t, err)

	ui := cli.NewMockUi()
	cmd := &TriggerResumeCommand{Meta: Meta{Ui: ui}}

	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, created.ID}))
	out := ui.OutputWriter.String()
	must.StrContains(t, out, `Trigger "hourly-sync" resumed`)
	must.StrContains(t, out, "Next fire at")

	resumed, err := client.Triggers().Info(created.ID)
	must.NoError(t, err)
	must.Eq(t, structs.TriggerStatusActive, resumed.Status)
	must.False(t, resumed.NextFireAt.IsZero())
}

func TestTriggerResumeCommand_Errors(t *testing.T) {
	ci.Parallel(t)

	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TriggerResumeCommand{Meta: Meta{Ui: ui}}

	must.Eq(t, 1, cmd.Run([]string{"-address=" + url, "not-a-real-id"}))
	must.StrContains(t, ui.ErrorWriter.String(), "Error resuming trigger")
}
