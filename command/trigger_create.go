// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/posener/complete"

	"github.com/hashicorp/pulse/api"
)

type TriggerCreateCommand struct {
	Meta

	// testStdin is used in tests to feed the stdin path.
	testStdin io.Reader
}

func (c *TriggerCreateCommand) Help() string {
	helpText := `
Usage: pulse trigger create <path>

  Create registers a new trigger from a JSON specification file. If the
  supplied path is "-" the specification is read from stdin.

  The specification names the trigger, describes when it fires in its
  trigger_config block, and describes what it runs in its
  execution_config block:

      {
        "name": "nightly-report",
        "trigger_config": {
          "kind": "time_based",
          "cron_expression": "0 2 * * *",
          "timezone": "UTC"
        },
        "execution_config": {
          "task_type": "http_request",
          "task_config": {"url": "https://example.com/report"}
        }
      }

General Options:

  ` + generalOptionsUsage() + `

Create Options:

  -json
    Output the created trigger in a JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *TriggerCreateCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-json": complete.PredictNothing,
		})
}

func (c *TriggerCreateCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictFiles("*.json")
}

func (c *TriggerCreateCommand) Synopsis() string {
	return "Create a new trigger"
}

func (c *TriggerCreateCommand) Name() string { return "trigger create" }

func (c *TriggerCreateCommand) Run(args []string) int {
	var jsonOut bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&jsonOut, "json", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	// Check that we got exactly one argument
	args = flags.Args()
	if l := len(args); l != 1 {
		c.Ui.Error("This command takes one argument: <path>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	data, err := loadDataSource(args[0], c.testStdin)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	var req api.TriggerCreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing trigger specification: %s", err))
		return 1
	}

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	trigger, err := client.Triggers().Create(&req)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error creating trigger: %s", err))
		return 1
	}

	if jsonOut {
		out, err := jsonOutput(trigger)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}

		c.Ui.Output(out)
		return 0
	}

	c.Ui.Output(fmt.Sprintf("Created trigger %q (%s)", trigger.Name, trigger.ID))
	if !trigger.NextFireAt.IsZero() {
		c.Ui.Output(fmt.Sprintf("Next fire at %s", formatTime(trigger.NextFireAt)))
	}
	return 0
}
