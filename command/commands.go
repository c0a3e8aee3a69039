// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"

	"github.com/hashicorp/pulse/command/agent"
	"github.com/hashicorp/pulse/version"
)

const (
	// EnvPulseCLINoColor is an env var that toggles colored UI output.
	EnvPulseCLINoColor = `PULSE_CLI_NO_COLOR`

	// EnvPulseCLIForceColor is an env var that forces colored UI output.
	EnvPulseCLIForceColor = `PULSE_CLI_FORCE_COLOR`
)

// NamedCommand is a interface to denote a commmand's name.
type NamedCommand interface {
	Name() string
}

// Commands returns the mapping of CLI commands. The meta parameter
// lets you set meta options that are available to every command.
func Commands(metaPtr *Meta, agentUi cli.Ui) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Version:    version.GetVersion(),
				Ui:         agentUi,
				ShutdownCh: make(chan struct{}),
			}, nil
		},
		"agent-info": func() (cli.Command, error) {
			return &AgentInfoCommand{
				Meta: meta,
			}, nil
		},
		"trigger": func() (cli.Command, error) {
			return &TriggerCommand{
				Meta: meta,
			}, nil
		},
		"trigger archive": func() (cli.Command, error) {
			return &TriggerArchiveCommand{
				Meta: meta,
			}, nil
		},
		"trigger create": func() (cli.Command, error) {
			return &TriggerCreateCommand{
				Meta: meta,
			}, nil
		},
		"trigger execute": func() (cli.Command, error) {
			return &TriggerExecuteCommand{
				Meta: meta,
			}, nil
		},
		"trigger list": func() (cli.Command, error) {
			return &TriggerListCommand{
				Meta: meta,
			}, nil
		},
		"trigger pause": func() (cli.Command, error) {
			return &TriggerPauseCommand{
				Meta: meta,
			}, nil
		},
		"trigger resume": func() (cli.Command, error) {
			return &TriggerResumeCommand{
				Meta: meta,
			}, nil
		},
		"trigger status": func() (cli.Command, error) {
			return &TriggerStatusCommand{
				Meta: meta,
			}, nil
		},
		"uptime": func() (cli.Command, error) {
			return &UptimeCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
	}

	return all
}
