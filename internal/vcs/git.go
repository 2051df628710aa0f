package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git implements the VCS interface by shelling out to the git CLI.
type Git struct{}

// NewGit creates a new Git VCS instance.
func NewGit() *Git {
	return &Git{}
}

// run executes a git command in dir and returns combined output.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmdArgs := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// IsRepository reports whether dir is inside a git repository.
func (g *Git) IsRepository(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	output, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

// Init initializes a repository at dir on branch "main" with an initial
// empty commit so the branch ref exists immediately.
func (g *Git) Init(ctx context.Context, dir string) error {
	if _, err := g.run(ctx, dir, "init", "-b", "main"); err != nil {
		return err
	}
	// Local identity so commits and merges work without global git config
	if _, err := g.run(ctx, dir, "config", "user.name", "kestrel"); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "config", "user.email", "kestrel@localhost"); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "commit", "--allow-empty", "-m", "initial commit"); err != nil {
		return err
	}
	return nil
}

// CurrentBranch returns the branch checked out in dir, or an empty string
// on a detached HEAD.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}

	branch := strings.TrimSpace(string(output))
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

// BranchExists reports whether the named local branch exists.
func (g *Git) BranchExists(ctx context.Context, dir, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err := cmd.Run(); err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			return false, nil
		}
		return false, fmt.Errorf("failed to check branch %s: %w", name, err)
	}
	return true, nil
}

// ListBranches returns all local branch names.
func (g *Git) ListBranches(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	var branches []string
	for _, line := range strings.Split(string(output), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			branches = append(branches, name)
		}
	}
	return branches, nil
}

// AddWorktree creates a worktree at path on a new branch starting from source.
func (g *Git) AddWorktree(ctx context.Context, repoDir, path, branch, source string) error {
	_, err := g.run(ctx, repoDir, "worktree", "add", path, "-b", branch, source)
	return err
}

// RemoveWorktree removes the worktree at path, discarding local changes.
func (g *Git) RemoveWorktree(ctx context.Context, repoDir, path string) error {
	_, err := g.run(ctx, repoDir, "worktree", "remove", "--force", path)
	return err
}

// DeleteBranch force-deletes the local branch ref.
func (g *Git) DeleteBranch(ctx context.Context, repoDir, name string) error {
	_, err := g.run(ctx, repoDir, "branch", "-D", name)
	return err
}

// CommitAll stages and commits all changes in dir. A clean tree is a no-op.
func (g *Git) CommitAll(ctx context.Context, dir, message string) error {
	status, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "commit", "-m", message); err != nil {
		return err
	}
	return nil
}

// Merge merges branch into the branch checked out in dir. Conflicts are
// reported as *MergeConflictError with the working tree left intact.
func (g *Git) Merge(ctx context.Context, dir, branch string) error {
	output, err := g.run(ctx, dir, "merge", "--no-edit", branch)
	if err == nil {
		return nil
	}
	if strings.Contains(output, "CONFLICT") || strings.Contains(output, "Automatic merge failed") {
		return &MergeConflictError{Branch: branch, Output: strings.TrimSpace(output)}
	}
	return err
}
