// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/posener/complete"

	"github.com/hashicorp/pulse/pulse/structs"
)

type UptimeCommand struct {
	Meta
}

func (c *UptimeCommand) Help() string {
	helpText := `
Usage: pulse uptime <agent-id>

  Display the availability report for an agent: uptime percentage,
  MTTR and MTBF over the query window, and the SLA assessment when a
  target is supplied.

General Options:

  ` + generalOptionsUsage() + `

Uptime Options:

  -hours=<n>
    The size of the report window in hours, ending now. Defaults to 24.

  -sla=<percent>
    An SLA target percentage to assess the observed uptime against,
    for example 99.9.

  -verbose
    Display the underlying up and down sessions.

  -json
    Output the report in a JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *UptimeCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-hours":   complete.PredictAnything,
			"-sla":     complete.PredictAnything,
			"-verbose": complete.PredictNothing,
			"-json":    complete.PredictNothing,
		})
}

func (c *UptimeCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *UptimeCommand) Synopsis() string {
	return "Display the availability report for an agent"
}

func (c *UptimeCommand) Name() string { return "uptime" }

func (c *UptimeCommand) Run(args []string) int {
	var json, verbose bool
	var hours, sla float64

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&json, "json", false, "")
	flags.BoolVar(&verbose, "verbose", false, "")
	flags.Float64Var(&hours, "hours", 24, "")
	flags.Float64Var(&sla, "sla", 0, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	// Check that we got exactly one argument
	args = flags.Args()
	if l := len(args); l != 1 {
		c.Ui.Error("This command takes one argument: <agent-id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	var slaTarget *float64
	if sla > 0 {
		slaTarget = &sla
	}
	report, err := client.Telemetry().UptimeStatus(args[0], hours, slaTarget)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying uptime: %s", err))
		return 1
	}

	if json {
		out, err := jsonOutput(report)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}

		c.Ui.Output(out)
		return 0
	}

	basic := []string{
		fmt.Sprintf("Agent ID|%s", report.AgentID),
		fmt.Sprintf("Status|%s", report.Status),
		fmt.Sprintf("Window|%s (%s)", formatTime(report.PeriodStart), humanize.Time(report.PeriodStart)),
		fmt.Sprintf("Uptime|%.3f%%", report.UptimePercent),
		fmt.Sprintf("Up Time|%s", formatSeconds(report.UptimeSeconds)),
		fmt.Sprintf("Down Time|%s", formatSeconds(report.DowntimeSeconds)),
		fmt.Sprintf("Heartbeats|%d", report.HeartbeatCount),
		fmt.Sprintf("MTTR|%s", formatNullableSeconds(report.MTTRSeconds)),
		fmt.Sprintf("MTBF|%s", formatNullableSeconds(report.MTBFSeconds)),
	}
	c.Ui.Output(formatKV(basic))

	if report.SLA != nil {
		c.Ui.Output("\nSLA Assessment")
		status := "MET"
		if !report.SLA.Met {
			status = "BREACHED"
		}
		c.Ui.Output(formatKV([]string{
			fmt.Sprintf("Target|%.3f%%", report.SLA.TargetPercent),
			fmt.Sprintf("Status|%s", status),
			fmt.Sprintf("Slack|%.3f%%", report.SLA.SlackPercent),
			fmt.Sprintf("Breach Risk|%s", report.SLA.BreachRisk),
		}))
	}

	if verbose {
		c.Ui.Output("\nSessions")
		c.Ui.Output(formatSessions(report.Sessions))
	}
	return 0
}

// formatSeconds renders a duration measured in seconds, rounded for
// display.
func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Second).String()
}

// formatNullableSeconds renders an optional duration, which is null
// when the window holds no sample to derive it from.
func formatNullableSeconds(s *float64) string {
	if s == nil {
		return "n/a"
	}
	return formatSeconds(*s)
}

func formatSessions(sessions []*structs.UptimeSession) string {
	if len(sessions) == 0 {
		return "No sessions recorded"
	}

	output := make([]string, 0, len(sessions)+1)
	output = append(output, "Kind|Started|Ended|Active|Failure Class")
	for _, s := range sessions {
		output = append(output, fmt.Sprintf(
			"%s|%s|%s|%v|%s",
			s.Kind, formatTime(s.StartedAt), formatTime(s.EndedAt),
			s.IsActive, s.FailureClass))
	}

	return formatList(output)
}
