// Package types contains shared types used across the kat testing framework
package types

import (
	"fmt"
	"path/filepath"
	"sort"
)

const (
	DefaultBinDir = "bin"
	DefaultLibDir = "lib"
	DefaultTmpDir = "tmp"
)

// LibraryAlias is a dynamic-loader alias. Both paths are relative to the
// environment root.
type LibraryAlias struct {
	Link   string `yaml:"link" toml:"link"`
	Target string `yaml:"target" toml:"target"`
}

// CommandSet describes a multi-call binary and the command names that are
// linked to it in the environment's bin directory.
type CommandSet struct {
	Provider string   `yaml:"provider" toml:"provider"`
	Names    []string `yaml:"names" toml:"names"`
}

// EnvironmentDescriptor declares one runtime variant and the filesystem overlay
// it needs. It is not modified once provisioning begins.
type EnvironmentDescriptor struct {
	ID        string
	Root      string
	BinDir    string
	LibDir    string
	Aliases   []LibraryAlias
	ExtraDirs []string
	Commands  CommandSet
}

// EnvironmentConfig is the catalog form of an environment. Aliases are keyed by
// architecture; the "all" key applies to every architecture.
type EnvironmentConfig struct {
	ID       string                    `yaml:"id" toml:"id"`
	Root     string                    `yaml:"root" toml:"root"`
	BinDir   string                    `yaml:"bin_dir,omitempty" toml:"bin_dir"`
	LibDir   string                    `yaml:"lib_dir,omitempty" toml:"lib_dir"`
	Dirs     []string                  `yaml:"dirs,omitempty" toml:"dirs"`
	Commands CommandSet                `yaml:"commands,omitempty" toml:"commands"`
	Aliases  map[string][]LibraryAlias `yaml:"aliases,omitempty" toml:"aliases"`
}

// AllArchitectures is the alias key shared by every architecture.
const AllArchitectures = "all"

// Resolve turns the catalog form into a descriptor for one architecture.
// A non-empty root overrides the declared one.
func (c EnvironmentConfig) Resolve(arch string, root string) (EnvironmentDescriptor, error) {
	if root == "" {
		root = c.Root
	}
	if root == "" {
		return EnvironmentDescriptor{}, fmt.Errorf("environment %q has no root", c.ID)
	}

	d := EnvironmentDescriptor{
		ID:        c.ID,
		Root:      root,
		BinDir:    c.BinDir,
		LibDir:    c.LibDir,
		ExtraDirs: dedupe(c.Dirs),
		Commands: CommandSet{
			Provider: c.Commands.Provider,
			Names:    append([]string(nil), c.Commands.Names...),
		},
	}
	if d.BinDir == "" {
		d.BinDir = DefaultBinDir
	}
	if d.LibDir == "" {
		d.LibDir = DefaultLibDir
	}

	d.Aliases = append(d.Aliases, c.Aliases[AllArchitectures]...)
	d.Aliases = append(d.Aliases, c.Aliases[arch]...)
	return d, nil
}

// Architectures lists the architectures with dedicated aliases, sorted.
func (c EnvironmentConfig) Architectures() []string {
	var archs []string
	for arch := range c.Aliases {
		if arch != AllArchitectures {
			archs = append(archs, arch)
		}
	}
	sort.Strings(archs)
	return archs
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

// BinPath is the absolute command search directory.
func (d EnvironmentDescriptor) BinPath() string {
	return d.join(d.BinDir, DefaultBinDir)
}

// LibPath is the absolute library directory.
func (d EnvironmentDescriptor) LibPath() string {
	return d.join(d.LibDir, DefaultLibDir)
}

func (d EnvironmentDescriptor) join(dir, fallback string) string {
	if dir == "" {
		dir = fallback
	}
	return filepath.Join(d.Root, dir)
}
