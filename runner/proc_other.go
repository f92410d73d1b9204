//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

func isolate(cmd *exec.Cmd) {}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func exitCode(state *os.ProcessState) int {
	return state.ExitCode()
}
