// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type TriggerResumeCommand struct {
	Meta
}

func (c *TriggerResumeCommand) Help() string {
	helpText := `
Usage: pulse trigger resume <trigger-id>

  Resume reactivates a paused trigger. Time based and interval triggers
  have their next fire recomputed from the current time rather than
  firing immediately for the missed window.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *TriggerResumeCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *TriggerResumeCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *TriggerResumeCommand) Synopsis() string {
	return "Resume a paused trigger"
}

func (c *TriggerResumeCommand) Name() string { return "trigger resume" }

func (c *TriggerResumeCommand) Run(args []string) int {
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

	trigger, err := client.Triggers().Resume(args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error resuming trigger: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Trigger %q resumed", trigger.Name))
	if !trigger.NextFireAt.IsZero() {
		c.Ui.Output(fmt.Sprintf("Next fire at %s", formatTime(trigger.NextFireAt)))
	}
	return 0
}
