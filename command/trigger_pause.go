// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type TriggerPauseCommand struct {
	Meta
}

func (c *TriggerPauseCommand) Help() string {
	helpText := `
Usage: pulse trigger pause <trigger-id>

  Pause stops a trigger from firing. Runs already dispatched are left
  to finish. The trigger can be reactivated with "pulse trigger
  resume".

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *TriggerPauseCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *TriggerPauseCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *TriggerPauseCommand) Synopsis() string {
	return "Pause a trigger"
}

func (c *TriggerPauseCommand) Name() string { return "trigger pause" }

func (c *TriggerPauseCommand) Run(args []string) int {
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

	trigger, err := client.Triggers().Pause(args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error pausing trigger: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Trigger %q paused", trigger.Name))
	return 0
}
