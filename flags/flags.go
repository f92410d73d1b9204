package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "KAT"

var (
	Arch = &cli.StringFlag{
		Name:    "arch",
		Value:   "",
		EnvVars: append(opservice.PrefixEnvVar(EnvVarPrefix, "ARCH"), "ARCH"),
		Usage:   "Architecture of the kernel under test (eg. 'riscv64', 'loongarch64'); selects loader aliases and is passed to cases as ARCH",
	}
	Catalog = &cli.StringFlag{
		Name:    "catalog",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CATALOG"),
		Usage:   "Path to a suite catalog (.yaml, .yml or .toml). Omit to use the built-in catalog",
	}
	Environments = &cli.StringSliceFlag{
		Name:    "environments",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ENVIRONMENTS"),
		Usage:   "Environment ids to run, in order (eg. 'musl,glibc'). Omit to run every catalog environment",
	}
	EnvRoot = &cli.StringSliceFlag{
		Name:    "env-root",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ENV_ROOT"),
		Usage:   "Override an environment root as id=path (eg. 'musl=/mnt/musl'). May be repeated",
	}
	Suites = &cli.StringSliceFlag{
		Name:    "suites",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SUITES"),
		Usage:   "Suites to run, in order. Omit to run the whole catalog",
	}
	TimeoutMultiplier = &cli.Float64Flag{
		Name:    "timeout-multiplier",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TIMEOUT_MULTIPLIER"),
		Usage:   "Scale every case and suite timeout, for slow emulated targets",
	}
	ExtraEnv = &cli.StringSliceFlag{
		Name:    "env",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ENV"),
		Usage:   "Extra KEY=VALUE variable passed to every case. May be repeated",
	}
	FSType = &cli.StringFlag{
		Name:    "fs-type",
		Value:   "ext4",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FS_TYPE"),
		Usage:   "Filesystem type of the test device, available to suite env values as ${FS_TYPE}",
	}
	LibPath = &cli.StringSliceFlag{
		Name:    "lib-path",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LIB_PATH"),
		Usage:   "Extra library directory, relative to the environment root, appended to LD_LIBRARY_PATH",
	}
	Output = &cli.StringFlag{
		Name:    "output",
		Value:   "-",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTPUT"),
		Usage:   "Where to write the report stream. '-' means stdout",
	}
	Passthrough = &cli.BoolFlag{
		Name:    "passthrough",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PASSTHROUGH"),
		Usage:   "Copy case output into the report stream between the case markers",
	}
	StripANSI = &cli.BoolFlag{
		Name:    "strip-ansi",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STRIP_ANSI"),
		Usage:   "Remove ANSI escape sequences from copied case output",
	}
	ParallelEnvironments = &cli.BoolFlag{
		Name:    "parallel-environments",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PARALLEL_ENVIRONMENTS"),
		Usage:   "Run environments concurrently. Each environment's report is buffered and written in environment order",
	}
	MaxParallel = &cli.IntFlag{
		Name:    "max-parallel",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_PARALLEL"),
		Usage:   "Bound on concurrently running environments with --parallel-environments (0 = all)",
	}
	AllowFailures = &cli.BoolFlag{
		Name:    "allow-failures",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALLOW_FAILURES"),
		Usage:   "Exit 0 even when cases fail or environments cannot be set up; the report still records them",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_DIR"),
		Usage:   "Directory for per-case output logs and a run summary. Omit to disable",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	ShowProgress = &cli.BoolFlag{
		Name:    "show-progress",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_PROGRESS"),
		Usage:   "Log periodic progress updates during a run",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress updates when --show-progress is set",
	}
	HealthzPort = &cli.IntFlag{
		Name:    "healthz.port",
		Value:   8080,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_PORT"),
		Usage:   "Port of the healthz endpoint, served alongside metrics when metrics are enabled",
	}
)

var requiredFlags = []cli.Flag{
	Arch,
}

var optionalFlags = []cli.Flag{
	Catalog,
	Environments,
	EnvRoot,
	Suites,
	TimeoutMultiplier,
	ExtraEnv,
	FSType,
	LibPath,
	Output,
	Passthrough,
	StripANSI,
	ParallelEnvironments,
	MaxParallel,
	AllowFailures,
	LogDir,
	RunInterval,
	ShowProgress,
	ProgressInterval,
	HealthzPort,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
