// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/hashicorp/pulse/api"
	"github.com/hashicorp/pulse/pulse/structs"
)

type TriggerListCommand struct {
	Meta
}

func (c *TriggerListCommand) Help() string {
	helpText := `
Usage: pulse trigger list [options]

  List is used to list registered triggers.

General Options:

  ` + generalOptionsUsage() + `

List Options:

  -status=<status>
    Filter the results to triggers with the given status.

  -kind=<kind>
    Filter the results to triggers of the given kind.

  -org=<organization>
    Filter the results to triggers owned by the given organization.

  -page=<n>
    The page of results to display. Pages are numbered from 1.

  -page-size=<n>
    The number of triggers per page.

  -json
    Output the triggers in a JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *TriggerListCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-status":    complete.PredictAnything,
			"-kind":      complete.PredictAnything,
			"-org":       complete.PredictAnything,
			"-page":      complete.PredictAnything,
			"-page-size": complete.PredictAnything,
			"-json":      complete.PredictNothing,
		})
}

func (c *TriggerListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *TriggerListCommand) Synopsis() string {
	return "List registered triggers"
}

func (c *TriggerListCommand) Name() string { return "trigger list" }

func (c *TriggerListCommand) Run(args []string) int {
	var json bool
	var status, kind, org string
	var page, pageSize int

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&json, "json", false, "")
	flags.StringVar(&status, "status", "", "")
	flags.StringVar(&kind, "kind", "", "")
	flags.StringVar(&org, "org", "", "")
	flags.IntVar(&page, "page", 0, "")
	flags.IntVar(&pageSize, "page-size", 0, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	// Check that we got no arguments
	args = flags.Args()
	if l := len(args); l != 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	q := &api.QueryOptions{
		Status:         status,
		Kind:           kind,
		OrganizationID: org,
		Page:           page,
		PageSize:       pageSize,
	}
	resp, err := client.Triggers().List(q)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing triggers: %s", err))
		return 1
	}

	if json {
		out, err := jsonOutput(resp.Triggers)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}

		c.Ui.Output(out)
		return 0
	}

	c.Ui.Output(formatTriggers(resp.Triggers))

	if resp.Page != nil && resp.Page.TotalCount > len(resp.Triggers) {
		c.Ui.Output(fmt.Sprintf("\nResults are paginated. Showing page %d of %d total triggers.",
			resp.Page.Page, resp.Page.TotalCount))
	}
	return 0
}

func formatTriggers(triggers []*structs.TriggerListStub) string {
	if len(triggers) == 0 {
		return "No triggers found"
	}

	output := make([]string, 0, len(triggers)+1)
	output = append(output, "ID|Name|Kind|Status|Priority|Next Fire")
	for _, t := range triggers {
		output = append(output, fmt.Sprintf(
			"%s|%s|%s|%s|%d|%s",
			limit(t.ID, shortId), t.Name, t.Kind, t.Status, t.Priority,
			formatTime(t.NextFireAt)))
	}

	return formatList(output)
}
