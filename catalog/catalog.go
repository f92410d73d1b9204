// Package catalog loads the suite catalog: the environments to provision and
// the ordered, fixed table of suites, cases and skip sets to run in them.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/kat/types"
)

// DefaultCaseTimeout applies when neither the suite nor the catalog defaults set one.
const DefaultCaseTimeout = 5 * time.Minute

//go:embed default.yaml
var defaultCatalog []byte

// Format of a catalog file
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Catalog holds the loaded suites and environments. It is read-only after load.
type Catalog struct {
	config       Config
	suites       []types.TestSuite
	byName       map[string]int
	environments []types.EnvironmentConfig
	mu           sync.RWMutex
}

// Config contains catalog configuration
type Config struct {
	Log            log.Logger
	File           string        // catalog file; empty selects the built-in catalog
	DefaultTimeout time.Duration // per-case timeout used when the catalog sets none
}

// NewCatalog loads and validates a catalog
func NewCatalog(cfg Config) (*Catalog, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCaseTimeout
	}

	var (
		raw *types.CatalogConfig
		err error
	)
	if cfg.File == "" {
		raw, err = Parse(defaultCatalog, FormatYAML)
	} else {
		raw, err = loadConfig(cfg.File)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	c := &Catalog{config: cfg}
	if err := c.load(raw); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	cfg.Log.Debug("Catalog loaded", "file", cfg.File, "suites", len(c.suites), "environments", len(c.environments))
	return c, nil
}

// loadConfig reads a catalog file, choosing the decoder by extension
func loadConfig(path string) (*types.CatalogConfig, error) {
	log.Debug("Reading catalog file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, format)
}

// FormatFromPath derives the catalog format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported catalog extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// Parse decodes a catalog document. Unknown YAML fields are rejected; unknown
// TOML keys are logged.
func Parse(data []byte, format Format) (*types.CatalogConfig, error) {
	var cfg types.CatalogConfig
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml catalog: %w", err)
		}
	case FormatTOML:
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing toml catalog: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			log.Warn("Ignoring unknown catalog keys", "keys", undecoded)
		}
	default:
		return nil, fmt.Errorf("unknown catalog format %q", format)
	}
	return &cfg, nil
}

func (c *Catalog) load(raw *types.CatalogConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateEnvironments(raw.Environments); err != nil {
		return err
	}
	envIDs := make(map[string]bool, len(raw.Environments))
	for _, env := range raw.Environments {
		envIDs[env.ID] = true
	}

	defaultTimeout := raw.Defaults.Timeout
	if defaultTimeout <= 0 {
		defaultTimeout = c.config.DefaultTimeout
	}
	defaultCategory := raw.Defaults.Category
	if defaultCategory == "" {
		defaultCategory = types.CategoryConformance
	}

	c.byName = make(map[string]int, len(raw.Suites))
	for _, sc := range raw.Suites {
		if _, dup := c.byName[sc.Name]; dup {
			return fmt.Errorf("duplicate suite %q", sc.Name)
		}
		suite, err := buildSuite(sc, defaultTimeout, defaultCategory, envIDs)
		if err != nil {
			return err
		}
		c.byName[suite.Name] = len(c.suites)
		c.suites = append(c.suites, suite)
	}
	c.environments = raw.Environments
	return nil
}

func validateEnvironments(envs []types.EnvironmentConfig) error {
	seen := make(map[string]bool, len(envs))
	for _, env := range envs {
		if err := validateToken("environment id", env.ID); err != nil {
			return err
		}
		if seen[env.ID] {
			return fmt.Errorf("duplicate environment %q", env.ID)
		}
		seen[env.ID] = true
		if len(env.Commands.Names) > 0 && env.Commands.Provider == "" {
			return fmt.Errorf("environment %q: commands declared without a provider", env.ID)
		}
	}
	return nil
}

func buildSuite(sc types.SuiteConfig, defaultTimeout time.Duration, defaultCategory types.SuiteCategory, envIDs map[string]bool) (types.TestSuite, error) {
	if err := validateToken("suite name", sc.Name); err != nil {
		return types.TestSuite{}, err
	}
	if len(sc.Cases) == 0 {
		return types.TestSuite{}, fmt.Errorf("suite %q has no cases", sc.Name)
	}

	suite := types.TestSuite{
		Name:           sc.Name,
		Category:       sc.Category,
		TimeoutPerCase: defaultTimeout,
		WorkingDir:     sc.WorkDir,
		Exec:           sc.Exec,
		Args:           sc.Args,
		Env:            sc.Env,
		Skip:           make(map[string]struct{}, len(sc.Skip)),
		Environments:   sc.Environments,
	}
	if suite.Category == "" {
		suite.Category = defaultCategory
	}
	if err := validateToken("suite category", string(suite.Category)); err != nil {
		return types.TestSuite{}, fmt.Errorf("suite %q: %w", sc.Name, err)
	}
	if sc.Timeout != nil {
		if *sc.Timeout <= 0 {
			return types.TestSuite{}, fmt.Errorf("suite %q: timeout must be positive", sc.Name)
		}
		suite.TimeoutPerCase = *sc.Timeout
	}
	if sc.SuiteTimeout != nil {
		if *sc.SuiteTimeout < 0 {
			return types.TestSuite{}, fmt.Errorf("suite %q: suite_timeout must not be negative", sc.Name)
		}
		suite.TimeoutWhole = *sc.SuiteTimeout
	}
	if filepath.IsAbs(sc.WorkDir) || escapes(sc.WorkDir) {
		return types.TestSuite{}, fmt.Errorf("suite %q: workdir %q must be relative to the environment root", sc.Name, sc.WorkDir)
	}
	for _, id := range sc.Environments {
		if !envIDs[id] {
			return types.TestSuite{}, fmt.Errorf("suite %q: unknown environment %q", sc.Name, id)
		}
	}

	declared := make(map[string]bool, len(sc.Cases))
	for _, cc := range sc.Cases {
		if err := validateToken("case id", cc.ID); err != nil {
			return types.TestSuite{}, fmt.Errorf("suite %q: %w", sc.Name, err)
		}
		if declared[cc.ID] {
			return types.TestSuite{}, fmt.Errorf("suite %q: duplicate case %q", sc.Name, cc.ID)
		}
		declared[cc.ID] = true
		suite.Cases = append(suite.Cases, types.TestCase{
			ID:    cc.ID,
			Suite: sc.Name,
			Exec:  cc.Exec,
			Args:  cc.Args,
		})
	}
	for _, id := range sc.Skip {
		if !declared[id] {
			return types.TestSuite{}, fmt.Errorf("suite %q: skip entry %q is not a declared case", sc.Name, id)
		}
		suite.Skip[id] = struct{}{}
	}
	return suite, nil
}

// validateToken rejects values that would not survive as a single report token.
func validateToken(what, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", what)
	}
	if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%s %q must not contain whitespace", what, value)
	}
	if strings.Contains(value, "####") {
		return fmt.Errorf("%s %q must not contain the report delimiter", what, value)
	}
	return nil
}

func escapes(rel string) bool {
	clean := filepath.Clean(rel)
	return clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// Suites returns every suite in declared order.
func (c *Catalog) Suites() []types.TestSuite {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suites
}

// SuiteNames returns the suite names in declared order.
func (c *Catalog) SuiteNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.suites))
	for _, s := range c.suites {
		names = append(names, s.Name)
	}
	return names
}

// Suite looks up a suite by name.
func (c *Catalog) Suite(name string) (types.TestSuite, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byName[name]
	if !ok {
		return types.TestSuite{}, false
	}
	return c.suites[i], true
}

// Select resolves a run's suite selection. An empty selection means every
// suite in declared order; otherwise the given order is kept.
func (c *Catalog) Select(names []string) ([]types.TestSuite, error) {
	if len(names) == 0 {
		return c.Suites(), nil
	}

	seen := make(map[string]bool, len(names))
	var unknown []string
	selected := make([]types.TestSuite, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("suite %q selected more than once", name)
		}
		seen[name] = true
		suite, ok := c.Suite(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		selected = append(selected, suite)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown suites: %s", strings.Join(unknown, ", "))
	}
	return selected, nil
}

// EnvironmentIDs returns the declared environment ids in order.
func (c *Catalog) EnvironmentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.environments))
	for _, env := range c.environments {
		ids = append(ids, env.ID)
	}
	return ids
}

// Environments resolves descriptors for the run's architecture. An empty id
// list selects every declared environment. roots overrides declared roots by id.
func (c *Catalog) Environments(ids []string, arch string, roots map[string]string) ([]types.EnvironmentDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if arch == "" {
		return nil, errors.New("architecture is required to resolve environments")
	}

	byID := make(map[string]types.EnvironmentConfig, len(c.environments))
	for _, env := range c.environments {
		byID[env.ID] = env
	}
	for id := range roots {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("root override for unknown environment %q", id)
		}
	}

	if len(ids) == 0 {
		for _, env := range c.environments {
			ids = append(ids, env.ID)
		}
	}

	seen := make(map[string]bool, len(ids))
	descriptors := make([]types.EnvironmentDescriptor, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("environment %q selected more than once", id)
		}
		seen[id] = true
		env, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown environment %q", id)
		}
		d, err := env.Resolve(arch, roots[id])
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// GetConfig returns the catalog configuration
func (c *Catalog) GetConfig() Config {
	return c.config
}
