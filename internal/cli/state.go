package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/app"
	"github.com/foremanhq/foreman/internal/domain"
)

// newStateCommand creates the state command group.
func newStateCommand(c *app.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect saved iteration state",
		Long: `Inspect iteration state snapshots.

A snapshot is written whenever an instance finishes a turn, completes a
task, or is disposed. It records the instance status, the task it was
working on, and the conversation reconstructed from its event history.`,
		// No RunE: shows subcommand list when called without arguments
	}

	cmd.AddCommand(newStateShowCommand(c))
	cmd.AddCommand(newStateRmCommand(c))

	return cmd
}

// newStateShowCommand creates the state show subcommand.
func newStateShowCommand(c *app.Container) *cobra.Command {
	var conversation bool

	cmd := &cobra.Command{
		Use:   "show <INSTANCE_ID>",
		Short: "Display an instance's saved snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := c.Store.Load(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, domain.ErrStateNotFound) {
					return fmt.Errorf("no saved state for instance %q", args[0])
				}
				return err
			}

			w := cmd.OutOrStdout()
			if conversation {
				return printConversation(w, state)
			}

			data, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return fmt.Errorf("encode state: %w", err)
			}
			_, _ = fmt.Fprintln(w, string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&conversation, "conversation", false, "Print the reconstructed conversation instead of raw JSON")

	return cmd
}

// newStateRmCommand creates the state rm subcommand.
func newStateRmCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <INSTANCE_ID>",
		Aliases: []string{"delete"},
		Short:   "Delete an instance's saved snapshot",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := c.Store.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no saved state for instance %q", args[0])
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted state for %s\n", args[0])
			return nil
		},
	}
}

func printConversation(w io.Writer, state *domain.IterationState) error {
	_, _ = fmt.Fprintf(w, "Instance: %s  Status: %s", state.InstanceID, state.Status)
	if state.CurrentTaskID != "" {
		_, _ = fmt.Fprintf(w, "  Task: %s", state.CurrentTaskID)
	}
	_, _ = fmt.Fprintf(w, "  Saved: %s\n", state.SavedAt.Format("2006-01-02 15:04:05"))
	_, _ = fmt.Fprintf(w, "Tokens: %d in / %d out\n\n", state.Context.Usage.Input, state.Context.Usage.Output)

	for _, m := range state.Context.Messages {
		_, _ = fmt.Fprintf(w, "[%s] %s\n", m.Timestamp.Format("15:04:05"), m.Role)
		if m.Content != "" {
			_, _ = fmt.Fprintf(w, "  %s\n", m.Content)
		}
		if len(m.ToolUses) > 0 {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, tu := range m.ToolUses {
				status := "ok"
				if tu.IsError {
					status = "error"
				}
				_, _ = fmt.Fprintf(tw, "  tool\t%s\t%s\n", tu.Name, status)
			}
			_ = tw.Flush()
		}
	}
	return nil
}
