// Package provision prepares environment roots: standard directories, the
// command set and dynamic-loader aliases. Every operation is idempotent and
// confined to the environment root.
package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/kat/types"
)

// SetupError is fatal for one environment and for nothing else.
type SetupError struct {
	Env string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("environment %s setup failed: %v", e.Env, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *SetupError) Unwrap() error {
	return e.Err
}

// IsSetupError checks if the error is or wraps a SetupError
func IsSetupError(err error) bool {
	var setupErr *SetupError
	return err != nil && errors.As(err, &setupErr)
}

var (
	ErrOutsideRoot   = errors.New("path escapes the environment root")
	ErrMissingTarget = errors.New("alias target does not exist")
	ErrNotALink      = errors.New("a directory exists where a link is expected")
)

// Provisioner prepares environment roots
type Provisioner struct {
	log log.Logger
}

// Config holds configuration for creating a Provisioner
type Config struct {
	Log log.Logger
}

// New creates a Provisioner
func New(cfg Config) *Provisioner {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Provisioner{log: cfg.Log}
}

// Provision makes env.Root ready: root check, standard and extra directories,
// command links, then loader aliases. Any failure is returned as a *SetupError.
func (p *Provisioner) Provision(env types.EnvironmentDescriptor) error {
	logger := p.log.New("env", env.ID, "root", env.Root)
	if env.BinDir == "" {
		env.BinDir = types.DefaultBinDir
	}
	if env.LibDir == "" {
		env.LibDir = types.DefaultLibDir
	}
	logger.Info("Provisioning environment")

	fail := func(err error) error {
		logger.Error("Provisioning failed", "err", err)
		return &SetupError{Env: env.ID, Err: err}
	}

	root, err := filepath.Abs(env.Root)
	if err != nil {
		return fail(fmt.Errorf("resolving root: %w", err))
	}
	info, err := os.Stat(root)
	if err != nil {
		return fail(fmt.Errorf("root %s: %w", root, err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("root %s is not a directory", root))
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return fail(fmt.Errorf("resolving root: %w", err))
	}

	dirs := append([]string{env.BinDir, env.LibDir, types.DefaultTmpDir}, env.ExtraDirs...)
	for _, dir := range dirs {
		path, err := confine(root, dir)
		if err != nil {
			return fail(err)
		}
		if err := EnsureDirectory(path); err != nil {
			return fail(err)
		}
	}

	if env.Commands.Provider != "" {
		if err := p.installCommands(logger, root, env); err != nil {
			return fail(err)
		}
	}

	for _, alias := range env.Aliases {
		link, err := confine(root, alias.Link)
		if err != nil {
			return fail(err)
		}
		target, err := confine(root, alias.Target)
		if err != nil {
			return fail(err)
		}
		if _, err := os.Stat(target); err != nil {
			return fail(fmt.Errorf("%w: %s -> %s", ErrMissingTarget, alias.Link, alias.Target))
		}
		if err := ensureRelativeSymlink(link, target); err != nil {
			return fail(err)
		}
		logger.Debug("Alias ready", "link", alias.Link, "target", alias.Target)
	}

	logger.Info("Environment provisioned", "aliases", len(env.Aliases), "commands", len(env.Commands.Names))
	return nil
}

func (p *Provisioner) installCommands(logger log.Logger, root string, env types.EnvironmentDescriptor) error {
	provider, err := confine(root, env.Commands.Provider)
	if err != nil {
		return err
	}
	info, err := os.Stat(provider)
	if err != nil {
		return fmt.Errorf("command provider %s: %w", env.Commands.Provider, err)
	}
	if info.IsDir() {
		return fmt.Errorf("command provider %s is a directory", env.Commands.Provider)
	}

	binDir, err := confine(root, env.BinDir)
	if err != nil {
		return err
	}
	for _, name := range env.Commands.Names {
		if name == "" || strings.ContainsRune(name, filepath.Separator) {
			return fmt.Errorf("invalid command name %q", name)
		}
		link := filepath.Join(binDir, name)
		if link == provider {
			continue
		}
		if err := ensureRelativeSymlink(link, provider); err != nil {
			return err
		}
	}
	logger.Debug("Commands installed", "provider", env.Commands.Provider, "count", len(env.Commands.Names))
	return nil
}

// confine joins rel onto root and rejects results outside root, including
// paths whose parent directory leads out of root through a symlink. root must
// already be free of symlinks. The last element is not followed, so a link
// there can still be replaced.
func confine(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrOutsideRoot, rel)
	}
	path := filepath.Join(root, rel)
	if !within(root, path) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	parent, err := resolveExisting(filepath.Dir(path))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", rel, err)
	}
	if !within(root, parent) {
		return "", fmt.Errorf("%w: %s leads to %s", ErrOutsideRoot, rel, parent)
	}
	return path, nil
}

func within(root, path string) bool {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

// resolveExisting follows symlinks in the longest existing prefix of path and
// re-attaches the part that does not exist yet.
func resolveExisting(path string) (string, error) {
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		missing = append(missing, filepath.Base(path))
		path = parent
	}
}

// ensureRelativeSymlink links with a target relative to the link's directory,
// so the root stays valid wherever it is mounted.
func ensureRelativeSymlink(link, target string) error {
	if err := EnsureDirectory(filepath.Dir(link)); err != nil {
		return err
	}
	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		return fmt.Errorf("linking %s: %w", link, err)
	}
	return EnsureSymlink(link, rel)
}

// EnsureDirectory creates path and its parents if missing. An existing
// non-directory at path is an error.
func EnsureDirectory(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return nil
}

// EnsureSymlink makes link point at target. A correct link is left alone; a
// link pointing elsewhere or a plain file is replaced atomically; a directory
// is never removed.
func EnsureSymlink(link, target string) error {
	info, err := os.Lstat(link)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("creating link %s: %w", link, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("checking %s: %w", link, err)
	case info.IsDir():
		return fmt.Errorf("%w: %s", ErrNotALink, link)
	case info.Mode()&fs.ModeSymlink != 0:
		current, err := os.Readlink(link)
		if err != nil {
			return fmt.Errorf("reading link %s: %w", link, err)
		}
		if current == target {
			return nil
		}
	}

	tmp := filepath.Join(filepath.Dir(link), fmt.Sprintf(".%s.%s", filepath.Base(link), uuid.NewString()[:8]))
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("creating link %s: %w", link, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing link %s: %w", link, err)
	}
	return nil
}
