// Package vcs provides a version control system abstraction layer.
// It defines interfaces for common VCS operations, allowing for pluggable implementations.
package vcs

import (
	"context"
	"fmt"
)

// VCS represents a version control system.
// All operations take the repository (or worktree) directory explicitly;
// callers own the serialization of mutating operations per repository.
type VCS interface {
	// IsRepository reports whether dir is inside a VCS repository.
	IsRepository(ctx context.Context, dir string) bool

	// Init initializes a new repository at dir with an initial commit on
	// the default branch "main".
	Init(ctx context.Context, dir string) error

	// CurrentBranch returns the name of the branch checked out in dir.
	// Returns an empty string on a detached HEAD.
	CurrentBranch(ctx context.Context, dir string) (string, error)

	// BranchExists reports whether the named branch exists in the
	// repository containing dir.
	BranchExists(ctx context.Context, dir, name string) (bool, error)

	// ListBranches returns all local branch names in the repository
	// containing dir.
	ListBranches(ctx context.Context, dir string) ([]string, error)

	// AddWorktree creates a new worktree at path with a new branch named
	// branch, starting from source's current commit.
	AddWorktree(ctx context.Context, repoDir, path, branch, source string) error

	// RemoveWorktree detaches the worktree at path from the repository
	// containing repoDir. The directory itself is removed.
	RemoveWorktree(ctx context.Context, repoDir, path string) error

	// DeleteBranch removes the local branch ref.
	DeleteBranch(ctx context.Context, repoDir, name string) error

	// CommitAll stages and commits every change in dir. Committing with a
	// clean tree is not an error.
	CommitAll(ctx context.Context, dir, message string) error

	// Merge merges the named branch into the branch checked out in dir.
	// Returns a *MergeConflictError when the merge stops on conflicts; the
	// working tree is left in its conflicted state for manual resolution.
	Merge(ctx context.Context, dir, branch string) error
}

// MergeConflictError reports a merge that stopped on conflicts.
// The working tree is left conflicted so the caller can resolve by hand.
type MergeConflictError struct {
	Branch string
	Output string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of %s stopped on conflicts: %s", e.Branch, e.Output)
}
