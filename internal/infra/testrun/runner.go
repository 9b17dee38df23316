// Package testrun runs the configured verification command after a
// merge lands on the trunk.
package testrun

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/foremanhq/foreman/internal/domain"
)

// Ensure Runner implements domain.TestRunner.
var _ domain.TestRunner = (*Runner)(nil)

// Runner executes a shell command in the repository root and reports
// whether it passed.
type Runner struct {
	command string
	dir     string
}

// New creates a Runner. The command is run via `sh -c` in dir.
func New(command, dir string) *Runner {
	return &Runner{command: command, dir: dir}
}

// RunTests executes the command and returns its combined output.
// A non-zero exit is a failed result, not an error; errors are
// reserved for the command failing to run at all.
func (r *Runner) RunTests(ctx context.Context) (domain.TestResult, error) {
	// #nosec G204 - the command comes from trusted configuration
	cmd := exec.CommandContext(ctx, "sh", "-c", r.command)
	cmd.Dir = r.dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return domain.TestResult{Output: string(out)}, nil
		}
		return domain.TestResult{}, fmt.Errorf("run test command: %w", err)
	}
	return domain.TestResult{Output: string(out), Success: true}, nil
}
