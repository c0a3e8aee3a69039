// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
)

const testCreateSpec = `{
  "name": "nightly-report",
  "trigger_config": {
    "kind": "time_based",
    "cron_expression": "0 2 * * *",
    "timezone": "UTC"
  },
  "execution_config": {
    "task_type": "http_request",
    "task_config": {"url": "https://example.com/report"}
  },
  "tags": ["reporting"]
}`

func TestTriggerCreateCommand_Run(t *testing.T) {
	ci.Parallel(t)

	_, client, url := testServer(t, nil)

	path := filepath.Join(t.TempDir(), "spec.json")
	must.NoError(t, os.WriteFile(path, []byte(testCreateSpec), 0o644))

	ui := cli.NewMockUi()
	cmd := &TriggerCreateCommand{Meta: Meta{Ui: ui}}

	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, path}))
	out := ui.OutputWriter.String()
	must.StrContains(t, out, `Created trigger "nightly-report"`)
	must.StrContains(t, out, "Next fire at")

	// The trigger is resolvable through the API.
	resp, err := client.Triggers().List(nil)
	must.NoError(t, err)
	must.Len(t, 1, resp.Triggers)
	must.Eq(t, "nightly-report", resp.Triggers[0].Name)

	trigger, err := client.Triggers().Info(resp.Triggers[0].ID)
	must.NoError(t, err)
	must.Eq(t, "0 2 * * *", trigger.CronExpression)
	must.Eq(t, []string{"reporting"}, trigger.Tags)
}

func TestTriggerCreateCommand_Stdin(t *testing.T) {
	ci.Parallel(t)

	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TriggerCreateCommand{
		Meta:      Meta{Ui: ui},
		testStdin: strings.NewReader(testCreateSpec),
	}

	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, "-"}))
	must.StrContains(t, ui.OutputWriter.String(), `Created trigger "nightly-report"`)
}

func TestTriggerCreateCommand_Errors(t *testing.T) {
	ci.Parallel(t)

	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TriggerCreateCommand{Meta: Meta{Ui: ui}}

	// Missing argument.
	must.Eq(t, 1, cmd.Run([]string{"-address=" + url}))
	must.StrContains(t, ui.ErrorWriter.String(), "takes one argument")

	ui.ErrorWriter.Reset()

	// Unparseable specification.
	cmd.testStdin = strings.NewReader(`{"name":`)
	must.Eq(t, 1, cmd.Run([]string{"-address=" + url, "-"}))
	must.StrContains(t, ui.ErrorWriter.String(), "Error parsing trigger specification")

	ui.ErrorWriter.Reset()

	// A specification the server rejects surfaces the API error.
	cmd.testStdin = strings.NewReader(`{"name": "broken"}`)
	must.Eq(t, 1, cmd.Run([]string{"-address=" + url, "-"}))
	must.StrContains(t, ui.ErrorWriter.String(), "Error creating trigger")
}
