package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/app"
	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/engine"
	"github.com/foremanhq/foreman/internal/infra/config"
	"github.com/foremanhq/foreman/internal/infra/testrun"
)

// newRunCommand creates the run command that starts the worker pool.
func newRunCommand(c *app.Container) *cobra.Command {
	var opts struct {
		Workers int
		Agent   string
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker pool until interrupted",
		Long: `Run the worker pool.

Each worker repeatedly claims the next ready task from the queue,
creates an isolated worktree and branch for it, runs the configured
agent command inside, merges the branch back onto the base branch, and
runs the test command on the result. Merge conflicts and test failures
send the task back to the agent for another round.

The pool stays alive when the queue drains: workers park and wake up
when tasks.yaml changes or the poll interval elapses. Stop it with
Ctrl-C; in-flight agents are shut down and their iteration state is
checkpointed before exit.

Examples:
  # Run with settings from config.toml
  foreman run

  # Run four workers with a specific agent
  foreman run --workers 4 --agent codex`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.Config

			workers := cfg.Workers.Count
			if opts.Workers > 0 {
				workers = opts.Workers
			}
			// An unknown agent name falls back to the default command,
			// so only fail when neither resolves to anything.
			agent := opts.Agent
			if _, ok := cfg.Agents.Commands[agent]; !ok && cfg.Agents.Default == "" {
				if agent == "" {
					return fmt.Errorf("no agent command configured; set [agents] default in %s", domain.ConfigPath(c.Paths.ForemanDir))
				}
				return fmt.Errorf("agent %q is not configured in [agents.commands]", agent)
			}

			if err := c.Tasks.Initialize(); err != nil {
				return fmt.Errorf("initialize task queue: %w", err)
			}

			var tests domain.TestRunner
			if cfg.Tests.Command != "" {
				tests = testrun.New(cfg.Tests.Command, c.Paths.RepoRoot)
			}

			var onConflict domain.ConflictHook
			if cfg.Merge.ConflictPolicy == config.ConflictFail {
				onConflict = failConflictHook{}
			}

			eng := engine.New(engine.Options{
				Tasks:         c.Tasks,
				Workspaces:    c.Workspaces,
				Registry:      c.Registry,
				Tests:         tests,
				OnConflict:    onConflict,
				Clock:         c.Clock,
				Logger:        c.Logger,
				Watch:         c.Tasks.Watch,
				AgentName:     agent,
				WorkerCount:   workers,
				PollInterval:  cfg.PollInterval(),
				RetryInterval: cfg.RetryInterval(),
			})

			// Shut down cleanly on Ctrl-C / SIGTERM
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			label := agent
			if label == "" {
				label = "default"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Running %d worker(s) with agent %q (queue: %s)\n",
				workers, label, c.Paths.TasksPath)

			if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Shut down.")
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "Number of workers (overrides config)")
	cmd.Flags().StringVarP(&opts.Agent, "agent", "a", "", "Agent to run (overrides config)")

	return cmd
}

// failConflictHook aborts the merge and fails the task on any conflict.
type failConflictHook struct{}

func (failConflictHook) OnMergeConflict(_ context.Context, _ domain.ConflictContext) (domain.ConflictDecision, error) {
	return domain.ConflictAbort, nil
}
