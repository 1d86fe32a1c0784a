// Package executil wraps the subprocess invocations that drive everything
// in buildspawn: the bootstrap tool, the isolation tool and the archiver
// are all external programs.
package executil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CmdError is returned when a subprocess exits non-zero. It carries the
// combined output so callers can surface the tool's own diagnostics.
type CmdError struct {
	Argv     []string
	ExitCode int
	Output   string
}

func (e *CmdError) Error() string {
	return fmt.Sprintf("%s: exit status %d\n%s", strings.Join(e.Argv, " "), e.ExitCode, e.Output)
}

// Run executes argv with captured output. A non-zero exit yields a *CmdError
// carrying combined stdout/stderr.
func Run(ctx context.Context, argv ...string) error {
	_, err := Output(ctx, argv...)
	return err
}

// Output executes argv and returns combined stdout/stderr.
func Output(ctx context.Context, argv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), &CmdError{Argv: argv, ExitCode: exitErr.ExitCode(), Output: string(out)}
		}
		return string(out), fmt.Errorf("run %s: %w", argv[0], err)
	}
	return string(out), nil
}

// RunForwarded executes argv with stdio inherited from the current process.
// Used for stages where the user should see tool output live (bootstrap,
// in-container builds, interactive shells).
func RunForwarded(ctx context.Context, argv ...string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &CmdError{Argv: argv, ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("run %s: %w", argv[0], err)
	}
	return nil
}

// ErrMissingTool reports a required external binary that is not resolvable
// on PATH. Callers treat it as a configuration error, not a stage failure.
var ErrMissingTool = errors.New("required tool not found on PATH")

// LookPaths verifies that every named binary is resolvable on PATH.
func LookPaths(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%w: %q", ErrMissingTool, name)
		}
	}
	return nil
}

// ExitCode extracts the subprocess exit code from an error returned by this
// package, or -1 if the error is not a subprocess failure.
func ExitCode(err error) int {
	var cmdErr *CmdError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}
