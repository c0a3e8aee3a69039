// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type TriggerArchiveCommand struct {
	Meta
}

func (c *TriggerArchiveCommand) Help() string {
	helpText := `
Usage: pulse trigger archive <trigger-id>

  Archive soft-deletes a trigger. Archived triggers stop firing but
  stay readable for auditing until the retention sweep removes them.
  Archiving cannot be undone through the API.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *TriggerArchiveCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *TriggerArchiveCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *TriggerArchiveCommand) Synopsis() string {
	return "Archive a trigger"
}

func (c *TriggerArchiveCommand) Name() string { return "trigger archive" }

func (c *TriggerArchiveCommand) Run(args []string) int {
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

	trigger, err := client.Triggers().Archive(args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error archiving trigger: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Trigger %q archived", trigger.Name))
	return 0
}
