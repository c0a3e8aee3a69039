// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/posener/complete"

	flaghelper "github.com/hashicorp/pulse/helper/flags"
	"github.com/hashicorp/pulse/version"
)

// gracefulTimeout is how long the agent gets to drain on SIGINT or
// SIGTERM before the process exits anyway.
const gracefulTimeout = 15 * time.Second

// Command is a Command implementation that runs a pulse agent. The
// command will not end unless a shutdown message is sent on the
// ShutdownCh.
type Command struct {
	Version    *version.VersionInfo
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args       []string
	agent      *Agent
	httpServer *HTTPServer
	logger     hclog.Logger
}

// readConfig merges defaults, config files in order, and command line
// flags into the final agent configuration. It returns nil after
// printing to the UI on any error.
func (c *Command) readConfig() *Config {
	var dev bool
	var configPaths flaghelper.StringFlag
	cmdConfig := &Config{
		Auth:      &AuthConfig{},
		CORS:      &CORSConfig{},
		Scheduler: &SchedulerConfig{},
		Telemetry: &TelemetryConfig{},
		Leases:    &LeaseConfig{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	flags.BoolVar(&dev, "dev", false, "")
	flags.Var(&configPaths, "config", "config file to load, may be repeated")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.IntVar(&cmdConfig.Port, "port", 0, "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJSON, "log-json", false, "")
	flags.StringVar(&cmdConfig.Scheduler.WorkerID, "worker-id", "", "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	config := DefaultConfig()
	if dev {
		config = config.Merge(DevConfig())
	}
	for _, path := range configPaths {
		current, err := LoadConfigFile(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", path, err))
			return nil
		}
		config = config.Merge(current)
	}
	config = config.Merge(cmdConfig)

	if err := config.Validate(); err != nil {
		c.Ui.Error(err.Error())
		return nil
	}
	return config
}

// setupLogger builds the root logger all subsystems derive names
// from.
func (c *Command) setupLogger(config *Config) hclog.Logger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "pulse",
		Level:      hclog.LevelFromString(config.LogLevel),
		JSONFormat: config.LogJSON,
		Output:     os.Stderr,
	})
}

// setupTelemetry configures the in-memory sink that backs the metrics
// endpoint and installs it as the global metrics destination.
func (c *Command) setupTelemetry() (*metrics.InmemSink, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	metricsConf := metrics.DefaultConfig("pulse")
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		return nil, err
	}
	return inm, nil
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	c.logger = c.setupLogger(config)

	inmem, err := c.setupTelemetry()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	agent, err := NewAgent(config, c.logger, inmem, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.agent = agent

	httpServer, err := NewHTTPServer(agent, config)
	if err != nil {
		agent.Shutdown()
		c.Ui.Error(fmt.Sprintf("Error starting http server: %s", err))
		return 1
	}
	c.httpServer = httpServer

	c.Ui.Output("Pulse agent started! Log data will stream in below:")
	c.Ui.Info(fmt.Sprintf("Version: %s", c.Version.FullVersionNumber(true)))
	c.Ui.Info(fmt.Sprintf("Address: http://%s%s", httpServer.Addr, config.apiPrefix()))
	c.Ui.Info(fmt.Sprintf("Worker: %s", agent.Orchestrator().WorkerID()))
	c.Ui.Info(fmt.Sprintf("Leases: %s", agent.leaseStore.Name()))
	c.Ui.Info(fmt.Sprintf("Tasks: %s", strings.Join(agent.Registry().TaskTypes(), ", ")))

	return c.handleSignals()
}

// handleSignals blocks until a shutdown signal arrives, then drains
// the agent within the graceful window.
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	var sig os.Signal
	select {
	case s := <-signalCh:
		sig = s
	case <-c.ShutdownCh:
		sig = os.Interrupt
	}
	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	gracefulCh := make(chan struct{})
	go func() {
		c.httpServer.Shutdown()
		c.agent.Shutdown()
		close(gracefulCh)
	}()

	select {
	case <-signalCh:
		return 1
	case <-time.After(gracefulTimeout):
		return 1
	case <-gracefulCh:
		return 0
	}
}

func (c *Command) AutocompleteFlags() complete.Flags {
	configFilePredictor := complete.PredictOr(
		complete.PredictFiles("*.hcl"),
		complete.PredictFiles("*.json"))

	return map[string]complete.Predictor{
		"-dev":       complete.PredictNothing,
		"-config":    configFilePredictor,
		"-bind":      complete.PredictAnything,
		"-port":      complete.PredictAnything,
		"-log-level": complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-log-json":  complete.PredictNothing,
		"-worker-id": complete.PredictAnything,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) Synopsis() string {
	return "Runs a pulse agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: pulse agent [options]

  Starts the pulse agent and runs until an interrupt is received. The
  agent hosts the scheduling worker, the telemetry pipeline, and the
  HTTP API.

  The agent's configuration primarily comes from the config files
  given on the command line. Repeated -config flags merge in order,
  with later files taking precedence.

Options:

  -config=<path>
    Path to an HCL or JSON configuration file. May be specified
    multiple times.

  -dev
    Start the agent in development mode: verbose logging on a
    loopback listener with no authentication.

  -bind=<addr>
    Address to bind the HTTP listener to. Overrides config files.

  -port=<port>
    Port for the HTTP listener. Overrides config files.

  -log-level=<level>
    One of TRACE, DEBUG, INFO, WARN, ERROR.

  -log-json
    Emit logs in JSON format.

  -worker-id=<id>
    Identity this worker claims leases under. Generated if unset.
`
	return strings.TrimSpace(helpText)
}
