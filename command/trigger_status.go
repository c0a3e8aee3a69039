// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/posener/complete"

	"github.com/hashicorp/pulse/api"
	"github.com/hashicorp/pulse/pulse/structs"
)

type TriggerStatusCommand struct {
	Meta
}

func (c *TriggerStatusCommand) Help() string {
	helpText := `
Usage: pulse trigger status <trigger-id>

  Display the status and recent run history of a trigger.

General Options:

  ` + generalOptionsUsage() + `

Status Options:

  -verbose
    Display full-length ids.

  -json
    Output the trigger in a JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *TriggerStatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-verbose": complete.PredictNothing,
			"-json":    complete.PredictNothing,
		})
}

func (c *TriggerStatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *TriggerStatusCommand) Synopsis() string {
	return "Display the status of a trigger"
}

func (c *TriggerStatusCommand) Name() string { return "trigger status" }

func (c *TriggerStatusCommand) Run(args []string) int {
	var json, verbose bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&json, "json", false, "")
	flags.BoolVar(&verbose, "verbose", false, "")

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

	// Truncate the id unless full length is requested
	length := shortId
	if verbose {
		length = fullId
	}

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	trigger, err := client.Triggers().Info(args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying trigger: %s", err))
		return 1
	}

	if json {
		out, err := jsonOutput(trigger)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}

		c.Ui.Output(out)
		return 0
	}

	basic := []string{
		fmt.Sprintf("ID|%s", limit(trigger.ID, length)),
		fmt.Sprintf("Name|%s", trigger.Name),
		fmt.Sprintf("Kind|%s", trigger.Kind),
		fmt.Sprintf("Status|%s", trigger.Status),
		fmt.Sprintf("Schedule|%s", scheduleDescription(trigger)),
		fmt.Sprintf("Task Type|%s", trigger.TaskType),
		fmt.Sprintf("Priority|%d", trigger.Priority),
		fmt.Sprintf("Organization|%s", trigger.OrganizationID),
	}
	if trigger.Description != "" {
		basic = append(basic, fmt.Sprintf("Description|%s", trigger.Description))
	}
	if trigger.WindowStart != "" {
		basic = append(basic, fmt.Sprintf("Window|%s - %s", trigger.WindowStart, trigger.WindowEnd))
	}
	basic = append(basic,
		fmt.Sprintf("Next Fire|%s", formatTime(trigger.NextFireAt)),
		fmt.Sprintf("Last Fire|%s", formatTime(trigger.LastFireAt)),
		fmt.Sprintf("Concurrency|%d/%d", trigger.CurrentRuns, trigger.MaxConcurrentRuns),
	)
	if len(trigger.Tags) > 0 {
		basic = append(basic, fmt.Sprintf("Tags|%s", strings.Join(trigger.Tags, ",")))
	}
	basic = append(basic,
		fmt.Sprintf("Created|%s", formatTime(trigger.CreateTime)),
		fmt.Sprintf("Modified|%s", formatTime(trigger.ModifyTime)),
	)
	c.Ui.Output(formatKV(basic))

	c.Ui.Output("\nRun Statistics")
	stats := []string{
		fmt.Sprintf("Total Runs|%d", trigger.TotalRuns),
		fmt.Sprintf("Successful|%d", trigger.SuccessRuns),
		fmt.Sprintf("Failed|%d", trigger.FailureRuns),
	}
	if trigger.TotalRuns > 0 {
		rate := float64(trigger.SuccessRuns) / float64(trigger.TotalRuns) * 100
		stats = append(stats, fmt.Sprintf("Success Rate|%.1f%%", rate))
	}
	if trigger.AvgExecSeconds > 0 {
		stats = append(stats, fmt.Sprintf("Avg Exec Time|%.2fs", trigger.AvgExecSeconds))
	}
	c.Ui.Output(formatKV(stats))

	history, err := client.Triggers().History(trigger.ID, &api.QueryOptions{PageSize: 10})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying trigger history: %s", err))
		return 1
	}

	c.Ui.Output("\nRecent Runs")
	c.Ui.Output(formatRuns(history.Runs, length))
	return 0
}

// scheduleDescription renders the kind-specific scheduling inputs as a
// single human readable line.
func scheduleDescription(t *structs.Trigger) string {
	switch t.Kind {
	case structs.TriggerKindTimeBased:
		tz := t.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return fmt.Sprintf("cron %q (%s)", t.CronExpression, tz)
	case structs.TriggerKindInterval:
		return fmt.Sprintf("every %s", time.Duration(t.IntervalSeconds)*time.Second)
	case structs.TriggerKindEvent:
		return fmt.Sprintf("on events %s", strings.Join(t.EventTypes, ","))
	case structs.TriggerKindDependency:
		return fmt.Sprintf("after %d upstream (%s)", len(t.DependencyTriggerIDs), t.DependencyPredicate)
	case structs.TriggerKindConditional:
		return fmt.Sprintf("when %s", t.ConditionExpression)
	case structs.TriggerKindWebhook:
		return "webhook"
	default:
		return "manual"
	}
}

func formatRuns(runs []*structs.RunListStub, length int) string {
	if len(runs) == 0 {
		return "No runs recorded"
	}

	output := make([]string, 0, len(runs)+1)
	output = append(output, "ID|Status|Scheduled|Started|Duration|Attempt")
	for _, r := range runs {
		duration := ""
		if r.DurationSeconds > 0 {
			duration = (time.Duration(r.DurationSeconds * float64(time.Second))).Round(time.Millisecond).String()
		}
		output = append(output, fmt.Sprintf(
			"%s|%s|%s|%s|%s|%d",
			limit(r.ID, length), r.Status, formatTime(r.ScheduledFor),
			formatTime(r.StartedAt), duration, r.Attempt))
	}

	return formatList(output)
}
