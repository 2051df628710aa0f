// Package workspace manages on-disk project and branch working directories
// backed by git. Each project is a directory under the store root; the
// "main" branch holds the primary repository and every other branch is a
// worktree checked out beside it. Transcripts live in the project's
// .kestrel directory and are never touched by git operations here.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/kestrel-voice/kestrel/internal/logger"
	"github.com/kestrel-voice/kestrel/internal/vcs"
)

// MainBranch is the protected default branch every project has.
const MainBranch = "main"

// transcriptDir is the per-project directory holding transcript logs.
const transcriptDir = ".kestrel"

var safeName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Project describes a named project root.
type Project struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Branch describes a branch working directory within a project.
type Branch struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	Source  string `json:"source,omitempty"`
	Path    string `json:"path"`
}

// Store manages project/branch directories under a single root.
// All git-mutating operations for a project are serialized through a
// per-project mutex so concurrent checkouts or merges never interleave.
type Store struct {
	root string
	vcs  vcs.VCS
	log  *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // project name -> mutation lock
}

// NewStore creates a workspace store rooted at root.
func NewStore(root string, v vcs.VCS, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	if log == nil {
		log = logger.Global()
	}
	return &Store{
		root:  root,
		vcs:   v,
		log:   log.WithPrefix("workspace"),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectPath returns the root directory of a project.
func (s *Store) ProjectPath(project string) string {
	return filepath.Join(s.root, project)
}

// BranchPath returns the working directory of a branch.
func (s *Store) BranchPath(project, branch string) string {
	return filepath.Join(s.root, project, branch)
}

// TranscriptPath returns the transcript log path for a branch.
func (s *Store) TranscriptPath(project, branch string) string {
	return filepath.Join(s.root, project, transcriptDir, branch+".jsonl")
}

// projectLock returns the mutation lock for a project, creating it on
// first use. The store map lock is only held for the lookup.
func (s *Store) projectLock(project string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[project]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[project] = lock
	}
	return lock
}

// CreateProject creates a project root with a main branch repository.
func (s *Store) CreateProject(ctx context.Context, name string) (*Project, error) {
	if !safeName.MatchString(name) {
		return nil, fmt.Errorf("%w: project %q", ErrInvalidName, name)
	}

	lock := s.projectLock(name)
	lock.Lock()
	defer lock.Unlock()

	projectPath := s.ProjectPath(name)
	if _, err := os.Stat(projectPath); err == nil {
		return nil, fmt.Errorf("%w: project %q", ErrAlreadyExists, name)
	}

	mainPath := filepath.Join(projectPath, MainBranch)
	if err := os.MkdirAll(mainPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	if err := s.vcs.Init(ctx, mainPath); err != nil {
		// Never leave a half-created project behind
		_ = os.RemoveAll(projectPath)
		return nil, fmt.Errorf("failed to initialize main branch: %w", err)
	}

	s.log.Info("Created project %s at %s", name, projectPath)
	return &Project{Name: name, Path: projectPath}, nil
}

// CreateBranch creates a new branch working directory checked out from
// source's current commit. With an empty name a generated one is used;
// with an empty source the main branch is used.
func (s *Store) CreateBranch(ctx context.Context, project, name, source string) (*Branch, error) {
	if source == "" {
		source = MainBranch
	}
	if name == "" {
		name = generateBranchName()
	}
	if !safeName.MatchString(name) || name == transcriptDir {
		return nil, fmt.Errorf("%w: branch %q", ErrInvalidName, name)
	}

	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.ProjectPath(project)); err != nil {
		return nil, fmt.Errorf("%w: project %q", ErrNotFound, project)
	}

	sourcePath := s.BranchPath(project, source)
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, fmt.Errorf("%w: source branch %q", ErrNotFound, source)
	}

	branchPath := s.BranchPath(project, name)
	if _, err := os.Stat(branchPath); err == nil {
		return nil, fmt.Errorf("%w: branch %q", ErrConflict, name)
	}

	if s.vcs.IsRepository(ctx, sourcePath) {
		if exists, err := s.vcs.BranchExists(ctx, sourcePath, name); err == nil && exists {
			return nil, fmt.Errorf("%w: branch %q", ErrConflict, name)
		}
		if err := s.vcs.AddWorktree(ctx, sourcePath, branchPath, name, source); err != nil {
			_ = os.RemoveAll(branchPath)
			return nil, fmt.Errorf("failed to create branch worktree: %w", err)
		}
	} else {
		// Clone fallback for non-git sources: plain directory copy. A
		// partial copy is removed before the error is surfaced so the
		// branch is never registered half-created.
		if err := copyDir(sourcePath, branchPath); err != nil {
			_ = os.RemoveAll(branchPath)
			return nil, fmt.Errorf("failed to copy branch directory: %w", err)
		}
		s.log.Warn("Source %s/%s is not a git repository; branch %s created by directory copy", project, source, name)
	}

	s.log.Info("Created branch %s/%s from %s", project, name, source)
	return &Branch{Project: project, Name: name, Source: source, Path: branchPath}, nil
}

// MergeBranch merges branch into main. Uncommitted work in the branch is
// committed first so the merge sees the branch's current state.
func (s *Store) MergeBranch(ctx context.Context, project, branch string) error {
	if branch == MainBranch {
		return fmt.Errorf("%w: cannot merge main into itself", ErrProtected)
	}
	return s.merge(ctx, project, branch, s.BranchPath(project, MainBranch), branch)
}

// SyncBranch merges main into branch, bringing it up to date.
func (s *Store) SyncBranch(ctx context.Context, project, branch string) error {
	if branch == MainBranch {
		return fmt.Errorf("%w: cannot sync main into itself", ErrProtected)
	}
	return s.merge(ctx, project, branch, s.BranchPath(project, branch), MainBranch)
}

// merge snapshots the source branch's working tree, then merges mergeRef
// into the branch checked out at targetDir. Conflicts propagate as
// *vcs.MergeConflictError with the working tree left for manual fixes.
func (s *Store) merge(ctx context.Context, project, branch, targetDir, mergeRef string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	branchPath := s.BranchPath(project, branch)
	if _, err := os.Stat(branchPath); err != nil {
		return fmt.Errorf("%w: branch %q", ErrNotFound, branch)
	}
	if !s.vcs.IsRepository(ctx, branchPath) {
		return fmt.Errorf("%w: branch %s/%s is not a git repository", ErrCorrupted, project, branch)
	}

	if err := s.vcs.CommitAll(ctx, branchPath, "snapshot "+branch); err != nil {
		return fmt.Errorf("failed to snapshot branch %s: %w", branch, err)
	}
	if targetDir != branchPath {
		if err := s.vcs.CommitAll(ctx, targetDir, "snapshot "+MainBranch); err != nil {
			return fmt.Errorf("failed to snapshot main: %w", err)
		}
	}

	if err := s.vcs.Merge(ctx, targetDir, mergeRef); err != nil {
		var conflict *vcs.MergeConflictError
		if errors.As(err, &conflict) {
			s.log.Warn("Merge conflict in %s/%s: %s", project, branch, conflict.Output)
			return err
		}
		return fmt.Errorf("merge failed: %w", err)
	}

	s.log.Info("Merged %s into %s (project %s)", mergeRef, filepath.Base(targetDir), project)
	return nil
}

// DeleteBranch removes a branch working directory and its git ref. When
// the directory's git state is invalid the filesystem path is still
// removed and the deletion is reported as degraded rather than failing.
func (s *Store) DeleteBranch(ctx context.Context, project, branch string) (degraded bool, err error) {
	if branch == MainBranch {
		return false, fmt.Errorf("%w: cannot delete main", ErrProtected)
	}

	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	branchPath := s.BranchPath(project, branch)
	if _, statErr := os.Stat(branchPath); statErr != nil {
		return false, fmt.Errorf("%w: branch %q", ErrNotFound, branch)
	}

	mainPath := s.BranchPath(project, MainBranch)
	if s.vcs.IsRepository(ctx, branchPath) && s.vcs.IsRepository(ctx, mainPath) {
		if wtErr := s.vcs.RemoveWorktree(ctx, mainPath, branchPath); wtErr != nil {
			s.log.Warn("Worktree removal failed for %s/%s, falling back to filesystem delete: %v", project, branch, wtErr)
			degraded = true
		}
		if brErr := s.vcs.DeleteBranch(ctx, mainPath, branch); brErr != nil {
			s.log.Warn("Branch ref deletion failed for %s/%s: %v", project, branch, brErr)
			degraded = true
		}
	} else {
		s.log.Warn("Branch %s/%s has no valid git state; removing directory only", project, branch)
		degraded = true
	}

	if rmErr := os.RemoveAll(branchPath); rmErr != nil {
		return degraded, fmt.Errorf("failed to remove branch directory: %w", rmErr)
	}
	// Transcript goes with the branch
	_ = os.Remove(s.TranscriptPath(project, branch))

	s.log.Info("Deleted branch %s/%s (degraded=%v)", project, branch, degraded)
	return degraded, nil
}

// DeleteProject removes a project and all its branches. Deleting a
// nonexistent project is not an error.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	lock := s.projectLock(name)
	lock.Lock()
	defer lock.Unlock()

	projectPath := s.ProjectPath(name)
	if err := os.RemoveAll(projectPath); err != nil {
		return fmt.Errorf("failed to remove project: %w", err)
	}

	s.log.Info("Deleted project %s", name)
	return nil
}

// ListProjects enumerates all project roots.
func (s *Store) ListProjects() ([]Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace root: %w", err)
	}

	var projects []Project
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		projects = append(projects, Project{
			Name: entry.Name(),
			Path: filepath.Join(s.root, entry.Name()),
		})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// ListBranches enumerates the branch working directories of a project.
func (s *Store) ListBranches(project string) ([]Branch, error) {
	projectPath := s.ProjectPath(project)
	entries, err := os.ReadDir(projectPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: project %q", ErrNotFound, project)
		}
		return nil, fmt.Errorf("failed to read project directory: %w", err)
	}

	var branches []Branch
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == transcriptDir {
			continue
		}
		branches = append(branches, Branch{
			Project: project,
			Name:    entry.Name(),
			Path:    filepath.Join(projectPath, entry.Name()),
		})
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// BranchExists reports whether a branch working directory exists.
func (s *Store) BranchExists(project, branch string) bool {
	info, err := os.Stat(s.BranchPath(project, branch))
	return err == nil && info.IsDir()
}

// copyDir recursively copies src into dst, skipping the transcript
// directory so logs are never duplicated across branches.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0755)
		}
		if d.IsDir() && d.Name() == transcriptDir {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil // skip sockets, devices, symlinks
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
