// Command octdiff samples, scores and inspects sparse octree SDF fields with
// the diffusion core.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/23skdu/longbow-octdiff/internal/config"
	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/logger"
	"github.com/23skdu/longbow-octdiff/internal/monitoring"
)

var version = "dev"

const (
	flagConfig      = "config"
	flagLogLevel    = "log-level"
	flagLogFormat   = "log-format"
	flagVerbose     = "verbose"
	flagMetricsAddr = "metrics-addr"
	flagFlightAddr  = "flight-addr"
	flagSchedule    = "schedule"
	flagThreads     = "threads"

	flagSteps     = "steps"
	flagDDIM      = "ddim"
	flagTruncated = "truncated-index"
	flagSeed      = "seed"
	flagSamples   = "samples"
	flagInput     = "input"
	flagDepth     = "depth"
	flagOut       = "out"
	flagPush      = "push"
	flagBatchSize = "batch-size"
	flagIters     = "iterations"
	flagName      = "name"
	flagList      = "list"
	flagDenoiser  = "denoiser"
)

// app holds what the global Before hook resolved for the subcommands.
type app struct {
	cfg     config.Config
	monitor *monitoring.HealthMonitor
	log     *logger.Logger
}

func main() {
	a := &app{cfg: config.Default()}

	cliApp := &cli.App{
		Name:    "octdiff",
		Usage:   "diffusion sampling over sparse octree SDF fields",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{Name: flagLogLevel, Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: flagLogFormat, Usage: "console or json"},
			&cli.BoolFlag{Name: flagVerbose, Aliases: []string{"v"}, Usage: "log every sampling step and show progress"},
			&cli.StringFlag{Name: flagMetricsAddr, Usage: "serve /health, /status and /metrics on `ADDR` (empty disables)"},
			&cli.StringFlag{Name: flagFlightAddr, Usage: "Arrow Flight field server `ADDR`"},
			&cli.StringFlag{Name: flagSchedule, Usage: "noise schedule: linear or cosine"},
			&cli.IntFlag{Name: flagThreads, Usage: "kernel workers per execution context (0 uses every CPU)"},
		},
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			a.sampleCommand(),
			a.lossCommand(),
			a.inspectCommand(),
			a.serveCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "octdiff:", err)
		os.Exit(1)
	}
}

func (a *app) before(c *cli.Context) error {
	if path := c.String(flagConfig); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if c.IsSet(flagLogLevel) {
		a.cfg.Logging.Level = c.String(flagLogLevel)
	}
	if c.IsSet(flagLogFormat) {
		a.cfg.Logging.Format = c.String(flagLogFormat)
	}
	if c.IsSet(flagVerbose) {
		a.cfg.Model.Verbose = c.Bool(flagVerbose)
	}
	if c.IsSet(flagMetricsAddr) {
		a.cfg.MetricsAddr = c.String(flagMetricsAddr)
	}
	if c.IsSet(flagFlightAddr) {
		a.cfg.FlightAddr = c.String(flagFlightAddr)
	}
	if c.IsSet(flagSchedule) {
		a.cfg.Model.NoiseSchedule = c.String(flagSchedule)
	}
	if c.IsSet(flagThreads) {
		a.cfg.Threads = c.Int(flagThreads)
	}

	logger.Setup(a.cfg.Logging.Level, a.cfg.Logging.Format)
	a.log = logger.Log.Component("cli")

	if err := a.cfg.Model.Validate(); err != nil {
		return fmt.Errorf("invalid model config: %w", err)
	}
	if a.cfg.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be >= 0)", a.cfg.Threads)
	}

	a.monitor = monitoring.NewHealthMonitor(version, monitoring.SamplerInfo{
		Sampler:       a.cfg.Sampler.SamplerName(),
		NoiseSchedule: a.cfg.Model.NoiseSchedule,
		Steps:         a.cfg.Sampler.Steps,
		BaseChannels:  a.cfg.Model.BaseChannels,
	})
	return nil
}

// startMonitor serves the health endpoint when an address is configured.
// Only long-running subcommands call it.
func (a *app) startMonitor() error {
	if a.cfg.MetricsAddr == "" {
		return nil
	}
	_, err := a.monitor.Start(a.cfg.MetricsAddr)
	return err
}

// newContext returns an execution context honouring the thread setting.
func (a *app) newContext() *device.Context {
	dev := device.NewContext()
	if a.cfg.Threads > 0 {
		dev.SetNumThreads(a.cfg.Threads)
	}
	return dev
}

func (a *app) after(c *cli.Context) error {
	if a.monitor != nil {
		return a.monitor.Stop(c.Context)
	}
	return nil
}

// flightHostPort splits the configured Flight address.
func (a *app) flightHostPort() (string, int, error) {
	if a.cfg.FlightAddr == "" {
		return "", 0, fmt.Errorf("no flight address configured (use --%s)", flagFlightAddr)
	}
	host, portStr, err := net.SplitHostPort(a.cfg.FlightAddr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid flight address %q: %w", a.cfg.FlightAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid flight port %q: %w", portStr, err)
	}
	if host == "" {
		host = "localhost"
	}
	return host, port, nil
}
