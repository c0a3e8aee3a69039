// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type TriggerExecuteCommand struct {
	Meta
}

func (c *TriggerExecuteCommand) Help() string {
	helpText := `
Usage: pulse trigger execute <trigger-id>

  Execute fires the trigger immediately, outside its schedule. The run
  is queued like any scheduled fire and counts against the trigger's
  concurrency limit. The trigger's own schedule is unaffected.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *TriggerExecuteCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *TriggerExecuteCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *TriggerExecuteCommand) Synopsis() string {
	return "Fire a trigger immediately"
}

func (c *TriggerExecuteCommand) Name() string { return "trigger execute" }

func (c *TriggerExecuteCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	// Check that we got exactly one argument
	args = flags.Args()
	if l := len(args); l != 1 {
		c.Ui.Error("This command takes one argument: <trigger-id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	resp, err := client.Triggers().Execute(args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error executing trigger: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Trigger %s scheduled for %s",
		limit(resp.TriggerID, shortId), formatTime(resp.ScheduledFor)))
	return 0
}
