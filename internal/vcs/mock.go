package vcs

import (
	"context"
)

// MockVCS is a mock implementation of the VCS interface for testing.
type MockVCS struct {
	IsRepositoryFunc   func(ctx context.Context, dir string) bool
	InitFunc           func(ctx context.Context, dir string) error
	CurrentBranchFunc  func(ctx context.Context, dir string) (string, error)
	BranchExistsFunc   func(ctx context.Context, dir, name string) (bool, error)
	ListBranchesFunc   func(ctx context.Context, dir string) ([]string, error)
	AddWorktreeFunc    func(ctx context.Context, repoDir, path, branch, source string) error
	RemoveWorktreeFunc func(ctx context.Context, repoDir, path string) error
	DeleteBranchFunc   func(ctx context.Context, repoDir, name string) error
	CommitAllFunc      func(ctx context.Context, dir, message string) error
	MergeFunc          func(ctx context.Context, dir, branch string) error
}

func (m *MockVCS) IsRepository(ctx context.Context, dir string) bool {
	if m.IsRepositoryFunc != nil {
		return m.IsRepositoryFunc(ctx, dir)
	}
	return false
}

func (m *MockVCS) Init(ctx context.Context, dir string) error {
	if m.InitFunc != nil {
		return m.InitFunc(ctx, dir)
	}
	return nil
}

func (m *MockVCS) CurrentBranch(ctx context.Context, dir string) (string, error) {
	if m.CurrentBranchFunc != nil {
		return m.CurrentBranchFunc(ctx, dir)
	}
	return "", nil
}

func (m *MockVCS) BranchExists(ctx context.Context, dir, name string) (bool, error) {
	if m.BranchExistsFunc != nil {
		return m.BranchExistsFunc(ctx, dir, name)
	}
	return false, nil
}

func (m *MockVCS) ListBranches(ctx context.Context, dir string) ([]string, error) {
	if m.ListBranchesFunc != nil {
		return m.ListBranchesFunc(ctx, dir)
	}
	return nil, nil
}

func (m *MockVCS) AddWorktree(ctx context.Context, repoDir, path, branch, source string) error {
	if m.AddWorktreeFunc != nil {
		return m.AddWorktreeFunc(ctx, repoDir, path, branch, source)
	}
	return nil
}

func (m *MockVCS) RemoveWorktree(ctx context.Context, repoDir, path string) error {
	if m.RemoveWorktreeFunc != nil {
		return m.RemoveWorktreeFunc(ctx, repoDir, path)
	}
	return nil
}

func (m *MockVCS) DeleteBranch(ctx context.Context, repoDir, name string) error {
	if m.DeleteBranchFunc != nil {
		return m.DeleteBranchFunc(ctx, repoDir, name)
	}
	return nil
}

func (m *MockVCS) CommitAll(ctx context.Context, dir, message string) error {
	if m.CommitAllFunc != nil {
		return m.CommitAllFunc(ctx, dir, message)
	}
	return nil
}

func (m *MockVCS) Merge(ctx context.Context, dir, branch string) error {
	if m.MergeFunc != nil {
		return m.MergeFunc(ctx, dir, branch)
	}
	return nil
}
