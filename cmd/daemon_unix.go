//go:build unix

package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// startDaemon re-executes the binary in a new session with the same arguments and
// returns the child's pid. Anything the child writes outside the logger, such as a
// panic trace, goes to logPath or is discarded.
func startDaemon(logPath string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}

	outputPath := logPath
	if outputPath == "" {
		outputPath = os.DevNull
	}
	output, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open daemon output: %w", err)
	}
	defer output.Close()

	child := exec.Command(executable, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonEnv+"=1")
	child.Stdin = nil
	child.Stdout = output
	child.Stderr = output
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := child.Process.Pid
	if err := child.Process.Release(); err != nil {
		return 0, fmt.Errorf("failed to release daemon: %w", err)
	}
	return pid, nil
}
