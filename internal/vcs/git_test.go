package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestGit_Init(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	git := NewGit()
	if err := git.Init(ctx, dir); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if !git.IsRepository(ctx, dir) {
		t.Error("Expected directory to be a repository after Init")
	}

	branch, err := git.CurrentBranch(ctx, dir)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch != "main" {
		t.Errorf("Expected branch main, got %q", branch)
	}
}

func TestGit_IsRepositoryFalseForPlainDir(t *testing.T) {
	git := NewGit()
	if git.IsRepository(context.Background(), t.TempDir()) {
		t.Error("Plain directory reported as repository")
	}
}

func TestGit_WorktreeLifecycle(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()

	git := NewGit()
	if err := git.Init(ctx, repoDir); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	worktreePath := filepath.Join(t.TempDir(), "feature-x")
	if err := git.AddWorktree(ctx, repoDir, worktreePath, "feature-x", "main"); err != nil {
		t.Fatalf("AddWorktree failed: %v", err)
	}

	if _, err := os.Stat(worktreePath); err != nil {
		t.Fatalf("Worktree directory missing: %v", err)
	}

	exists, err := git.BranchExists(ctx, repoDir, "feature-x")
	if err != nil {
		t.Fatalf("BranchExists failed: %v", err)
	}
	if !exists {
		t.Error("Expected branch feature-x to exist")
	}

	branches, err := git.ListBranches(ctx, repoDir)
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	if len(branches) != 2 {
		t.Errorf("Expected 2 branches, got %v", branches)
	}

	if err := git.RemoveWorktree(ctx, repoDir, worktreePath); err != nil {
		t.Fatalf("RemoveWorktree failed: %v", err)
	}
	if err := git.DeleteBranch(ctx, repoDir, "feature-x"); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}

	exists, err = git.BranchExists(ctx, repoDir, "feature-x")
	if err != nil {
		t.Fatalf("BranchExists failed: %v", err)
	}
	if exists {
		t.Error("Expected branch feature-x to be gone")
	}
}

func TestGit_CommitAllAndMerge(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()

	git := NewGit()
	if err := git.Init(ctx, repoDir); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// Clean tree commit is a no-op
	if err := git.CommitAll(ctx, repoDir, "nothing"); err != nil {
		t.Fatalf("CommitAll on clean tree failed: %v", err)
	}

	worktreePath := filepath.Join(t.TempDir(), "feature")
	if err := git.AddWorktree(ctx, repoDir, worktreePath, "feature", "main"); err != nil {
		t.Fatalf("AddWorktree failed: %v", err)
	}

	writeFile(t, filepath.Join(worktreePath, "hello.txt"), "from feature\n")
	if err := git.CommitAll(ctx, worktreePath, "add hello"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	if err := git.Merge(ctx, repoDir, "feature"); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(repoDir, "hello.txt"))
	if err != nil {
		t.Fatalf("Merged file missing in main: %v", err)
	}
	if string(data) != "from feature\n" {
		t.Errorf("Unexpected merged content: %q", string(data))
	}
}

func TestGit_MergeConflict(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()

	git := NewGit()
	if err := git.Init(ctx, repoDir); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	writeFile(t, filepath.Join(repoDir, "shared.txt"), "base\n")
	if err := git.CommitAll(ctx, repoDir, "base"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	worktreePath := filepath.Join(t.TempDir(), "conflicting")
	if err := git.AddWorktree(ctx, repoDir, worktreePath, "conflicting", "main"); err != nil {
		t.Fatalf("AddWorktree failed: %v", err)
	}

	// Diverge the same file on both branches
	writeFile(t, filepath.Join(worktreePath, "shared.txt"), "branch version\n")
	if err := git.CommitAll(ctx, worktreePath, "branch change"); err != nil {
		t.Fatalf("CommitAll (branch) failed: %v", err)
	}
	writeFile(t, filepath.Join(repoDir, "shared.txt"), "main version\n")
	if err := git.CommitAll(ctx, repoDir, "main change"); err != nil {
		t.Fatalf("CommitAll (main) failed: %v", err)
	}

	err := git.Merge(ctx, repoDir, "conflicting")
	if err == nil {
		t.Fatal("Expected merge conflict error, got nil")
	}

	var conflict *MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected *MergeConflictError, got %T: %v", err, err)
	}
	if conflict.Branch != "conflicting" {
		t.Errorf("Expected conflict branch name, got %q", conflict.Branch)
	}
	if conflict.Output == "" {
		t.Error("Expected conflict output detail")
	}
}
