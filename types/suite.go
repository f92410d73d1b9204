package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// SuiteCategory groups suites in the report stream (e.g. "conformance", "benchmark").
type SuiteCategory string

const (
	CategoryConformance SuiteCategory = "conformance"
	CategoryBenchmark   SuiteCategory = "benchmark"
)

// TestCase is an opaque identifier resolved to an executable inside the
// active environment at run time. Identity is the pair (Suite, ID).
type TestCase struct {
	ID    string
	Suite string
	Exec  string   // program to launch; empty means the suite launcher or the ID itself
	Args  []string // extra arguments
}

// TestSuite is a named, ordered group of cases sharing a working directory and
// timeout policy.
type TestSuite struct {
	Name           string
	Category       SuiteCategory
	Cases          []TestCase
	TimeoutPerCase time.Duration
	TimeoutWhole   time.Duration // zero means no whole-suite deadline
	WorkingDir     string        // relative to the environment root
	Exec           string        // default launcher for cases without their own Exec
	Args           []string      // launcher arguments placed before the case id
	Env            map[string]string
	Skip           map[string]struct{}
	Environments   []string // environment IDs this suite applies to; empty means all
}

// Skipped reports whether a case id is in the suite's skip set.
func (s TestSuite) Skipped(caseID string) bool {
	_, ok := s.Skip[caseID]
	return ok
}

// AppliesTo reports whether the suite should run in the given environment.
func (s TestSuite) AppliesTo(envID string) bool {
	if len(s.Environments) == 0 {
		return true
	}
	for _, id := range s.Environments {
		if id == envID {
			return true
		}
	}
	return false
}

// Runnable returns the cases that will be executed, in declared order.
func (s TestSuite) Runnable() []TestCase {
	cases := make([]TestCase, 0, len(s.Cases))
	for _, c := range s.Cases {
		if !s.Skipped(c.ID) {
			cases = append(cases, c)
		}
	}
	return cases
}

// CaseConfig is the catalog form of a case. In YAML it may be written as a bare
// string (the case id) or as a mapping.
type CaseConfig struct {
	ID   string   `yaml:"id" toml:"id"`
	Exec string   `yaml:"exec,omitempty" toml:"exec"`
	Args []string `yaml:"args,omitempty" toml:"args"`
}

// UnmarshalYAML accepts either "id" or {id, exec, args}.
func (c *CaseConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.ID = node.Value
		return nil
	}
	type plain CaseConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = CaseConfig(p)
	return nil
}

// UnmarshalTOML accepts either a string or an inline table.
func (c *CaseConfig) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		c.ID = v
		return nil
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			c.ID = id
		}
		if exec, ok := v["exec"].(string); ok {
			c.Exec = exec
		}
		if args, ok := v["args"].([]any); ok {
			for _, a := range args {
				s, ok := a.(string)
				if !ok {
					return fmt.Errorf("case %q: args must be strings, got %T", c.ID, a)
				}
				c.Args = append(c.Args, s)
			}
		}
		return nil
	default:
		return fmt.Errorf("case must be a string or table, got %T", data)
	}
}

// SuiteConfig is the catalog form of a suite
type SuiteConfig struct {
	Name         string            `yaml:"name" toml:"name"`
	Description  string            `yaml:"description,omitempty" toml:"description"`
	Category     SuiteCategory     `yaml:"category" toml:"category"`
	WorkDir      string            `yaml:"workdir,omitempty" toml:"workdir"`
	Exec         string            `yaml:"exec,omitempty" toml:"exec"`
	Args         []string          `yaml:"args,omitempty" toml:"args"`
	Timeout      *time.Duration    `yaml:"timeout,omitempty" toml:"timeout"`
	SuiteTimeout *time.Duration    `yaml:"suite_timeout,omitempty" toml:"suite_timeout"`
	Env          map[string]string `yaml:"env,omitempty" toml:"env"`
	Environments []string          `yaml:"environments,omitempty" toml:"environments"`
	Cases        []CaseConfig      `yaml:"cases" toml:"cases"`
	Skip         []string          `yaml:"skip,omitempty" toml:"skip"`
}

// CatalogDefaults apply to suites that leave a field unset.
type CatalogDefaults struct {
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
	Category SuiteCategory `yaml:"category" toml:"category"`
}

// CatalogConfig is the complete catalog file
type CatalogConfig struct {
	Defaults     CatalogDefaults     `yaml:"defaults" toml:"defaults"`
	Environments []EnvironmentConfig `yaml:"environments" toml:"environments"`
	Suites       []SuiteConfig       `yaml:"suites" toml:"suites"`
}
