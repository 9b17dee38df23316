package domain

import "errors"

// Domain errors.
var (
	ErrInstanceExists     = errors.New("instance already exists")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskAlreadyClaimed = errors.New("task already claimed")
	ErrConflictUnresolved = errors.New("merge conflict could not be resolved")
	ErrStateNotFound      = errors.New("iteration state not found")
	ErrEmptyFile          = errors.New("file is empty")
	ErrNotRunning         = errors.New("agent process is not running")
	ErrAlreadyRunning     = errors.New("agent process is already running")
	ErrCannotAcceptInput  = errors.New("agent process cannot accept messages")
	ErrWorkerStopped      = errors.New("worker is stopped")
	ErrNotGitRepository   = errors.New("not a git repository (or any of the parent directories)")
	ErrNotOnBaseBranch    = errors.New("not on base branch")
	ErrUncommittedChanges = errors.New("uncommitted changes exist")
)
