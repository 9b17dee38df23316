// Package app provides the dependency injection container for the application.
package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"

	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/infra/agentproc"
	"github.com/foremanhq/foreman/internal/infra/config"
	"github.com/foremanhq/foreman/internal/infra/gitstate"
	"github.com/foremanhq/foreman/internal/infra/logging"
	"github.com/foremanhq/foreman/internal/infra/statestore"
	"github.com/foremanhq/foreman/internal/infra/taskfile"
	"github.com/foremanhq/foreman/internal/infra/workspace"
	"github.com/foremanhq/foreman/internal/registry"
)

// Paths holds the resolved application paths.
type Paths struct {
	RepoRoot   string // Root directory of the git repository
	ForemanDir string // Path to .git/foreman directory
	TasksPath  string // Path to tasks.yaml
}

// Container provides dependency injection for the application.
// It holds all port implementations used by the engine and CLI.
type Container struct {
	Tasks        *taskfile.Source
	Workspaces   *workspace.Manager
	Factory      domain.AgentControllerFactory
	Store        domain.StateStore
	Registry     *registry.Registry
	Logger       *logging.Logger
	ConfigLoader *config.Loader
	Config       *config.Config
	Clock        domain.Clock
	Paths        Paths
}

// New creates a Container by detecting the git repository from the
// given directory.
func New(dir string) (*Container, error) {
	repoRoot, err := findRepoRoot(dir)
	if err != nil {
		return nil, err
	}

	foremanDir := domain.RepoForemanDir(repoRoot)
	paths := Paths{
		RepoRoot:   repoRoot,
		ForemanDir: foremanDir,
		TasksPath:  domain.TasksFilePath(foremanDir),
	}

	loader := config.NewLoader(foremanDir)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	store, err := newStateStore(cfg, paths)
	if err != nil {
		return nil, err
	}

	logger := logging.New(foremanDir, logging.ParseLevel(cfg.Log.Level))
	clock := domain.RealClock{}
	factory := agentproc.NewFactory(cfg.Agents.Default, cfg.Agents.Commands, clock)

	reg := registry.New(registry.Options{
		Factory:       factory,
		Store:         store,
		Clock:         clock,
		Logger:        logger,
		MainWorkspace: repoRoot,
		Cap:           cfg.Instances.Cap,
	})

	return &Container{
		Tasks:        taskfile.New(paths.TasksPath),
		Workspaces:   workspace.NewManager(repoRoot, foremanDir, cfg.Repo.BaseBranch),
		Factory:      factory,
		Store:        store,
		Registry:     reg,
		Logger:       logger,
		ConfigLoader: loader,
		Config:       cfg,
		Clock:        clock,
		Paths:        paths,
	}, nil
}

// Close releases resources held by the container.
func (c *Container) Close() {
	if closer, ok := c.Store.(io.Closer); ok {
		_ = closer.Close()
	}
	if c.Logger != nil {
		_ = c.Logger.Close()
	}
}

// findRepoRoot locates the enclosing repository's working tree root.
func findRepoRoot(dir string) (string, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if err == gogit.ErrRepositoryNotExists {
			return "", fmt.Errorf("%s: %w", dir, domain.ErrNotGitRepository)
		}
		return "", fmt.Errorf("open git repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("resolve working tree: %w", err)
	}
	return wt.Filesystem.Root(), nil
}

// newStateStore builds the configured iteration state backend.
func newStateStore(cfg *config.Config, paths Paths) (domain.StateStore, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		stateDir := domain.StateDir(paths.ForemanDir)
		if err := os.MkdirAll(stateDir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		return statestore.OpenSQLite(filepath.Join(stateDir, "foreman.db"))
	case config.StoreGit:
		return gitstate.Open(paths.RepoRoot)
	default:
		return statestore.NewJSONStore(domain.StateDir(paths.ForemanDir)), nil
	}
}
