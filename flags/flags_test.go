package flags

import (
	"flag"
	"os"
	"strings"
	"testing"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// TestOptionalFlagsDontSetRequired asserts that all flags deemed optional set
// the Required field to false.
func TestOptionalFlagsDontSetRequired(t *testing.T) {
	for _, flag := range optionalFlags {
		reqFlag, ok := flag.(cli.RequiredFlag)
		require.True(t, ok)
		require.False(t, reqFlag.IsRequired())
	}
}

// TestUniqueFlags asserts that all flag names are unique, to avoid accidental conflicts between the many flags.
func TestUniqueFlags(t *testing.T) {
	seenCLI := make(map[string]struct{})
	for _, flag := range Flags {
		name := flag.Names()[0]
		if _, ok := seenCLI[name]; ok {
			t.Errorf("duplicate flag %s", name)
			continue
		}
		seenCLI[name] = struct{}{}
	}
}

func TestEnvVarFormat(t *testing.T) {
	for _, flag := range Flags {
		flagName := flag.Names()[0]

		t.Run(flagName, func(t *testing.T) {
			envFlagGetter, ok := flag.(interface {
				GetEnvVars() []string
			})
			require.True(t, ok, "must be able to cast the flag to an EnvVar interface")
			envFlags := envFlagGetter.GetEnvVars()
			require.NotEmpty(t, envFlags)
			expectedEnvVar := opservice.FlagNameToEnvVarName(flagName, EnvVarPrefix)
			require.Equal(t, expectedEnvVar, envFlags[0])
		})
	}
}

// ARCH is read unprefixed as well, matching the variable the init process receives.
func TestArchReadsPlainEnvVar(t *testing.T) {
	assert.Equal(t, []string{"KAT_ARCH", "ARCH"}, Arch.EnvVars)
}

func TestCheckRequired(t *testing.T) {
	newContext := func(args ...string) *cli.Context {
		set := flag.NewFlagSet("test", flag.ContinueOnError)
		for _, f := range Flags {
			require.NoError(t, f.Apply(set))
		}
		require.NoError(t, set.Parse(args))
		return cli.NewContext(cli.NewApp(), set, nil)
	}

	for _, name := range Arch.EnvVars {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	err := CheckRequired(newContext())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "arch"))

	assert.NoError(t, CheckRequired(newContext("--arch", "riscv64")))
}
