package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/kat"
	"github.com/ethereum-optimism/infra/kat/catalog"
	"github.com/ethereum-optimism/infra/kat/exitcodes"
	"github.com/ethereum-optimism/infra/kat/flags"
	"github.com/ethereum-optimism/infra/kat/report"
	"github.com/ethereum-optimism/infra/kat/reporting"
	"github.com/ethereum-optimism/infra/kat/service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

// otlpEndpointEnv enables trace export when set
const otlpEndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

var lenientFlag = &cli.BoolFlag{
	Name:  "lenient",
	Usage: "Accept non-marker lines outside cases, as found in a serial console capture",
}

func main() {
	app := newApp()

	ctx := context.Background()
	if os.Getenv(otlpEndpointEnv) != "" {
		shutdown, err := otelconfig.ConfigureOpenTelemetry(
			otelconfig.WithServiceName(app.Name),
			otelconfig.WithServiceVersion(app.Version),
		)
		if err != nil {
			log.Crit("Failed to setup open telemetry", "message", err)
		}
		defer shutdown()
	}

	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Error("Application failed", "message", err)
		os.Exit(kat.ExitCode(err))
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "kat"
	app.Usage = "Kernel Acceptance Tester"
	app.Description = "kat provisions userspace environments and runs conformance suites against the running kernel, " +
		"writing a marker-delimited report stream"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.ExitErrHandler = exitErrHandler
	app.Commands = []*cli.Command{
		{
			Name:   "list",
			Usage:  "Print the suite catalog",
			Action: listCatalog,
		},
		{
			Name:      "tally",
			Usage:     "Parse a report stream and print per-environment, per-suite counts",
			ArgsUsage: "<file|->",
			Flags:     []cli.Flag{lenientFlag},
			Action:    tallyReport,
		},
	}
	return app
}

func exitErrHandler(c *cli.Context, err error) {
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		cli.HandleExitCoder(exitErr)
	} else if err != nil {
		if kat.IsRuntimeError(err) {
			cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
		} else {
			// Test failures and unspecified errors
			cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
		}
	}
}

// newLogger builds the logger from the log flags. Logs go to stderr so the
// report stream can use stdout.
func newLogger(ctx *cli.Context) log.Logger {
	logCfg := oplog.ReadCLIConfig(ctx)
	l := oplog.NewLogger(os.Stderr, logCfg)
	oplog.SetGlobalLogHandler(l.Handler())
	oplog.SetupDefaults()
	return l
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	l := newLogger(ctx)

	cfg, err := kat.NewConfig(ctx, l)
	if err != nil {
		return nil, kat.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	katService, err := kat.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, kat.NewRuntimeError(fmt.Errorf("failed to create kat: %w", err))
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if !metricsCfg.Enabled {
		return katService, nil
	}
	svc := service.New(service.Config{
		HealthzPort: ctx.Int(flags.HealthzPort.Name),
		MetricsHost: metricsCfg.ListenAddr,
		MetricsPort: metricsCfg.ListenPort,
		Healthy:     katService.Healthy,
	})
	svc.Start(ctx.Context)
	return &servedLifecycle{Lifecycle: katService, svc: svc}, nil
}

// servedLifecycle shuts the HTTP endpoints down with the harness.
type servedLifecycle struct {
	cliapp.Lifecycle
	svc *service.Service
}

func (s *servedLifecycle) Stop(ctx context.Context) error {
	err := s.Lifecycle.Stop(ctx)
	s.svc.Shutdown()
	return err
}

func listCatalog(ctx *cli.Context) error {
	l := newLogger(ctx)
	cat, err := catalog.NewCatalog(catalog.Config{Log: l, File: ctx.String(flags.Catalog.Name)})
	if err != nil {
		return kat.NewRuntimeError(err)
	}
	reporting.RenderCatalog(ctx.App.Writer, cat.Suites(), cat.EnvironmentIDs())
	return nil
}

func tallyReport(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return kat.NewRuntimeError(errors.New("tally takes exactly one report file, or - for stdin"))
	}

	var in io.Reader = os.Stdin
	if path := ctx.Args().First(); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return kat.NewRuntimeError(err)
		}
		defer f.Close()
		in = f
	}

	p := report.NewParser()
	p.AllowStrayOutput = ctx.Bool(lenientFlag.Name)
	scanErr := p.Scan(in)

	total := p.Total()
	reporting.RenderTally(ctx.App.Writer, p.Tally(), total)
	if scanErr != nil {
		return kat.NewRuntimeError(fmt.Errorf("malformed report: %w", scanErr))
	}
	for _, env := range p.Tally() {
		if env.SetupFailed != "" {
			return kat.NewTestFailureError(fmt.Sprintf("environment %s could not be set up", env.ID))
		}
	}
	if !total.AllPassed() {
		return kat.NewTestFailureError(fmt.Sprintf("%d of %d cases did not pass", total.Total-total.Passed, total.Total))
	}
	return nil
}
