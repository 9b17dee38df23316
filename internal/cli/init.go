package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/app"
	"github.com/foremanhq/foreman/internal/domain"
)

// newInitCommand creates the init command.
func newInitCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize repository for foreman",
		Long: `Initialize a repository for foreman.

This command creates the .git/foreman/ directory with:
- tasks.yaml: empty task queue
- state/: directory for iteration state snapshots
- logs/: directory for log files

Preconditions:
- Current directory must be inside a git repository`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.Tasks.Initialize(); err != nil {
				return fmt.Errorf("initialize task queue: %w", err)
			}
			for _, dir := range []string{
				domain.StateDir(c.Paths.ForemanDir),
				domain.LogDir(c.Paths.ForemanDir),
			} {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Initialized foreman in %s\n", c.Paths.ForemanDir)
			return nil
		},
	}
}
