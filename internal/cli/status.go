package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/app"
)

// newStatusCommand creates the status command.
func newStatusCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and workspace overview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := c.Tasks.List()
			if err != nil {
				return err
			}

			counts := map[string]int{}
			for _, t := range tasks {
				counts[t.Status]++
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Repository: %s\n", c.Paths.RepoRoot)
			_, _ = fmt.Fprintf(w, "Base branch: %s\n", c.Config.Repo.BaseBranch)
			_, _ = fmt.Fprintf(w, "Tasks: %d total (%d ready, %d claimed, %d done)\n",
				len(tasks), counts["ready"], counts["claimed"], counts["done"])

			workspaces, err := listWorkspaces(c.Paths.ForemanDir)
			if err != nil {
				return err
			}
			if len(workspaces) == 0 {
				_, _ = fmt.Fprintln(w, "Workspaces: none")
				return nil
			}
			_, _ = fmt.Fprintf(w, "Workspaces: %d\n", len(workspaces))
			for _, ws := range workspaces {
				_, _ = fmt.Fprintf(w, "  %s\n", ws)
			}
			return nil
		},
	}
}

// listWorkspaces returns the names of existing workspace checkouts.
func listWorkspaces(foremanDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(foremanDir, "workspaces"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspaces: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
