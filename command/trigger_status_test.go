// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"
	"time"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/structs"
)

func TestTriggerStatusCommand_Run(t *testing.T) {
	ci.Parallel(t)

	_, client, url := testServer(t, nil)

	spec := testTriggerSpec("hourly-sync")
	spec.Tags = []string{"sync", "hourly"}
	created, err := client.Triggers().Create(spec)
	must.NoError(t, err)

	ui := cli.NewMockUi()
	cmd := &TriggerStatusCommand{Meta: Meta{Ui: ui}}

	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, created.ID}))
	out := ui.OutputWriter.String()
	must.StrContains(t, out, "hourly-sync")
	must.StrContains(t, out, "interval")
	must.StrContains(t, out, "every 5m0s")
	must.StrContains(t, out, "sync,hourly")
	must.StrContains(t, out, "Run Statistics")
	must.StrContains(t, out, "No runs recorded")

	ui.OutputWriter.Reset()
	ui.ErrorWriter.Reset()

	// Verbose rendering keeps the full id.
	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, "-verbose", created.ID}))
	must.StrContains(t, ui.OutputWriter.String(), created.ID)

	ui.OutputWriter.Reset()
	ui.ErrorWriter.Reset()

	// JSON rendering round-trips the record.
	must.Eq(t, 0, cmd.Run([]string{"-address=" + url, "-json", created.ID}))
	must.StrContains(t, ui.OutputWriter.String(), `"interval_seconds": 300`)
}

func TestTriggerStatusCommand_Errors(t *testing.T) {
	ci.Parallel(t)

	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TriggerStatusCommand{Meta: Meta{Ui: ui}}

	// Missing argument.
	must.Eq(t, 1, cmd.Run([]string{"-address=" + url}))
	must.StrContains(t, ui.ErrorWriter.String(), "takes one argument")

	ui.ErrorWriter.Reset()

	// Unknown trigger id.
	must.Eq(t, 1, cmd.Run([]string{"-address=" + url, uuid.Generate()}))
	must.StrContains(t, ui.ErrorWriter.String(), "Error querying trigger")
}

func TestTriggerStatusCommand_ScheduleDescription(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name    string
		trigger *structs.Trigger
		expect  string
	}{
		{
			name: "cron with timezone",
			trigger: &structs.Trigger{
				Kind:           structs.TriggerKindTimeBased,
				CronExpression: "0 2 * * *",
				Timezone:       "America/New_York",
			},
			expect: `cron "0 2 * * *" (America/New_York)`,
		},
		{
			name: "cron defaults to UTC",
			trigger: &structs.Trigger{
				Kind:           structs.TriggerKindTimeBased,
				CronExpression: "*/5 * * * *",
			},
			expect: `cron "*/5 * * * *" (UTC)`,
		},
		{
			name: "interval",
			trigger: &structs.Trigger{
				Kind:            structs.TriggerKindInterval,
				IntervalSeconds: 90,
			},
			expect: "every 1m30s",
		},
		{
			name: "event",
			trigger: &structs.Trigger{
				Kind:       structs.TriggerKindEvent,
				EventTypes: []string{"deploy", "rollback"},
			},
			expect: "on events deploy,rollback",
		},
		{
			name: "dependency",
			trigger: &structs.Trigger{
				Kind:                 structs.TriggerKindDependency,
				DependencyTriggerIDs: []string{"a", "b"},
				DependencyPredicate:  structs.DependencyAllSuccess,
			},
			expect: "after 2 upstream (all_success)",
		},
		{
			name: "conditional",
			trigger: &structs.Trigger{
				Kind:                structs.TriggerKindConditional,
				ConditionExpression: `payload.size > 100`,
			},
			expect: "when payload.size > 100",
		},
		{
			name:    "webhook",
			trigger: &structs.Trigger{Kind: structs.TriggerKindWebhook},
			expect:  "webhook",
		},
		{
			name:    "manual",
			trigger: &structs.Trigger{Kind: structs.TriggerKindManual},
			expect:  "manual",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.expect, scheduleDescription(tc.trigger))
		})
	}
}

func TestTriggerStatusCommand_FormatRuns(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, "No runs recorded", formatRuns(nil, shortId))

	scheduled := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	runs := []*structs.RunListStub{
		{
			ID:              "11111111-2222-3333-4444-555555555555",
			Status:          structs.RunStatusCompleted,
			ScheduledFor:    scheduled,
			StartedAt:       scheduled.Add(time.Second),
			DurationSeconds: 1.5,
			Attempt:         0,
		},
		{
			ID:           "99999999-8888-7777-6666-555555555555",
			Status:       structs.RunStatusPending,
			ScheduledFor: scheduled.Add(time.Minute),
		},
	}

	out := formatRuns(runs, shortId)
	must.StrContains(t, out, "11111111")
	must.StrNotContains(t, out, "11111111-2222")
	must.StrContains(t, out, "completed")
	must.StrContains(t, out, "1.5s")
	must.StrContains(t, out, "pending")
	must.StrContains(t, out, "2024-06-01T12:01:00Z")
}
