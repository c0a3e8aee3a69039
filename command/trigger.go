// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"strings"

	"github.com/hashicorp/cli"
)

type TriggerCommand struct {
	Meta
}

func (t *TriggerCommand) Help() string {
	helpText := `
Usage: pulse trigger <subcommand> [options] [args]

  This command groups subcommands for interacting with triggers.
  Triggers describe when a task fires and what it runs. Users can
  create, inspect, pause, resume, execute, and archive triggers.

  Register a new trigger from a specification file:

      $ pulse trigger create spec.json

  List registered triggers:

      $ pulse trigger list

  Please see the individual subcommand help for detailed usage
  information.
`
	return strings.TrimSpace(helpText)
}

func (t *TriggerCommand) Synopsis() string {
	return "Interact with triggers"
}

func (t *TriggerCommand) Name() string { return "trigger" }

func (t *TriggerCommand) Run(args []string) int {
	return cli.RunResultHelp
}
