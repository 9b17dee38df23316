package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/app"
)

// newTaskCommand creates the task command group.
func newTaskCommand(c *app.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the task queue",
		Long: `Manage the task queue file (.git/foreman/tasks.yaml).

The queue is a plain YAML file, so it can also be edited directly;
running workers notice changes and pick up new tasks automatically.`,
		// No RunE: shows subcommand list when called without arguments
	}

	cmd.AddCommand(newTaskAddCommand(c))
	cmd.AddCommand(newTaskListCommand(c))
	cmd.AddCommand(newTaskReleaseCommand(c))

	return cmd
}

// newTaskAddCommand creates the task add subcommand.
func newTaskAddCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:   "add <ID> <TITLE>...",
		Short: "Add a ready task to the queue",
		Example: `  foreman task add 42 "Add pagination to the users endpoint"
  foreman task add fix-flaky-test Deflake TestPoolShutdown`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.Tasks.Initialize(); err != nil {
				return fmt.Errorf("initialize task queue: %w", err)
			}
			id := args[0]
			title := strings.Join(args[1:], " ")
			if err := c.Tasks.Add(id, title); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added task %s\n", id)
			return nil
		},
	}
}

// newTaskListCommand creates the task list subcommand.
func newTaskListCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks in the queue",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := c.Tasks.List()
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tSTATUS\tTITLE")
			for _, t := range tasks {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Status, t.Title)
			}
			return w.Flush()
		},
	}
}

// newTaskReleaseCommand creates the task release subcommand.
func newTaskReleaseCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:   "release <ID>",
		Short: "Put a claimed task back in the ready state",
		Long: `Put a claimed task back in the ready state.

Use this when a worker died between claiming a task and finishing it,
leaving the task stuck in the claimed state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.Tasks.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released task %s\n", args[0])
			return nil
		},
	}
}
