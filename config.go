package kat

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/kat/flags"
)

// Config holds the application configuration
type Config struct {
	Arch                 string
	CatalogFile          string            // empty selects the built-in catalog
	Environments         []string          // environment ids to run; empty means all
	EnvRoots             map[string]string // root overrides by environment id
	Suites               []string          // suites to run; empty means all
	TimeoutMultiplier    float64
	ExtraEnv             map[string]string // variables passed to every case
	FSType               string
	LibPath              []string
	Output               string // "-" means stdout
	Passthrough          bool
	StripANSI            bool
	ParallelEnvironments bool
	MaxParallel          int
	AllowFailures        bool          // exit 0 even when cases fail
	LogDir               string        // per-case logs; empty disables
	RunInterval          time.Duration // Interval between runs
	RunOnce              bool          // Indicates if the service should exit after one run
	ShowProgress         bool
	ProgressInterval     time.Duration
	Log                  log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	arch := strings.TrimSpace(ctx.String(flags.Arch.Name))
	if arch == "" {
		return nil, errors.New("architecture is required")
	}

	multiplier := ctx.Float64(flags.TimeoutMultiplier.Name)
	if multiplier <= 0 {
		return nil, fmt.Errorf("timeout multiplier must be positive, got %v", multiplier)
	}
	if ctx.Int(flags.MaxParallel.Name) < 0 {
		return nil, fmt.Errorf("max parallel must not be negative, got %d", ctx.Int(flags.MaxParallel.Name))
	}

	roots, err := parseEnvRoots(ctx.StringSlice(flags.EnvRoot.Name))
	if err != nil {
		return nil, err
	}
	extraEnv, err := parseExtraEnv(ctx.StringSlice(flags.ExtraEnv.Name))
	if err != nil {
		return nil, err
	}

	var catalogFile string
	if f := ctx.String(flags.Catalog.Name); f != "" {
		catalogFile, err = filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for catalog '%s': %w", f, err)
		}
	}

	output := ctx.String(flags.Output.Name)
	if output == "" {
		output = "-"
	}
	if output != "-" {
		output, err = filepath.Abs(output)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for output '%s': %w", ctx.String(flags.Output.Name), err)
		}
	}

	var logDir string
	if d := ctx.String(flags.LogDir.Name); d != "" {
		logDir, err = filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", d, err)
		}
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	return &Config{
		Arch:                 arch,
		CatalogFile:          catalogFile,
		Environments:         ctx.StringSlice(flags.Environments.Name),
		EnvRoots:             roots,
		Suites:               ctx.StringSlice(flags.Suites.Name),
		TimeoutMultiplier:    multiplier,
		ExtraEnv:             extraEnv,
		FSType:               ctx.String(flags.FSType.Name),
		LibPath:              ctx.StringSlice(flags.LibPath.Name),
		Output:               output,
		Passthrough:          ctx.Bool(flags.Passthrough.Name),
		StripANSI:            ctx.Bool(flags.StripANSI.Name),
		ParallelEnvironments: ctx.Bool(flags.ParallelEnvironments.Name),
		MaxParallel:          ctx.Int(flags.MaxParallel.Name),
		AllowFailures:        ctx.Bool(flags.AllowFailures.Name),
		LogDir:               logDir,
		RunInterval:          runInterval,
		RunOnce:              runOnce,
		ShowProgress:         ctx.Bool(flags.ShowProgress.Name),
		ProgressInterval:     ctx.Duration(flags.ProgressInterval.Name),
		Log:                  log,
	}, nil
}

// parseEnvRoots parses id=path overrides into absolute roots.
func parseEnvRoots(values []string) (map[string]string, error) {
	roots := make(map[string]string, len(values))
	for _, v := range values {
		id, path, ok := strings.Cut(v, "=")
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("invalid environment root %q: expected id=path", v)
		}
		if _, dup := roots[id]; dup {
			return nil, fmt.Errorf("environment root for %q given more than once", id)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for environment root '%s': %w", path, err)
		}
		roots[id] = abs
	}
	return roots, nil
}

// parseExtraEnv parses KEY=VALUE pairs. A later pair overrides an earlier one.
func parseExtraEnv(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("invalid environment variable %q: expected KEY=VALUE", v)
		}
		out[key] = value
	}
	return out, nil
}
