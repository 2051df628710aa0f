// Package registry tracks live sessions: each session binds an id to a
// workspace (project+branch or an ad hoc path) and owns the open
// transcript log for that workspace.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-voice/kestrel/internal/logger"
	"github.com/kestrel-voice/kestrel/internal/transcript"
	"github.com/kestrel-voice/kestrel/internal/workspace"
)

// ErrInvalidWorkspace reports a session bound to a path that does not exist.
var ErrInvalidWorkspace = errors.New("invalid workspace")

// ErrNotFound reports an unknown session id.
var ErrNotFound = errors.New("session not found")

// ErrBindingBusy reports a workspace that already has a live session.
// One session per binding keeps the transcript single-writer.
var ErrBindingBusy = errors.New("workspace already has a session")

// State is a session's connection lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateAttached State = "attached"
	StateClosed   State = "closed"
)

// Session describes one live session binding.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Project   string    `json:"project,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
}

// entry pairs a session with its transcript log and per-session lock.
// All mutations for one session id are serialized through mu; the
// registry map lock is held only for lookups and inserts.
type entry struct {
	mu      sync.Mutex
	sess    Session
	binding string
	log     *transcript.Log
}

// Registry is the shared session table. bindings indexes live sessions
// by their workspace binding so each workspace has at most one session
// and therefore one transcript writer.
type Registry struct {
	store *workspace.Store
	log   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	bindings map[string]string // binding key -> session id
}

// New creates an empty registry backed by the given workspace store.
func New(store *workspace.Store, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	return &Registry{
		store:    store,
		log:      log.WithPrefix("registry"),
		sessions: make(map[string]*entry),
		bindings: make(map[string]string),
	}
}

// CreateForBranch creates a session bound to an existing project branch.
// The transcript log lives beside the project's other branch transcripts.
func (r *Registry) CreateForBranch(project, branch string) (Session, error) {
	if !r.store.BranchExists(project, branch) {
		return Session{}, fmt.Errorf("branch %s/%s: %w", project, branch, ErrInvalidWorkspace)
	}
	sess := Session{
		ID:        uuid.NewString(),
		Name:      fmt.Sprintf("%s/%s", project, branch),
		Project:   project,
		Branch:    branch,
		Path:      r.store.BranchPath(project, branch),
		CreatedAt: time.Now(),
		State:     StateIdle,
	}
	key := "branch:" + project + "/" + branch
	return r.insert(sess, key, r.store.TranscriptPath(project, branch))
}

// CreateForPath creates a session bound to an arbitrary existing
// directory. The transcript log is kept inside the directory itself.
func (r *Registry) CreateForPath(path string) (Session, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Session{}, fmt.Errorf("path %s: %w", path, ErrInvalidWorkspace)
	}
	path = filepath.Clean(path)
	sess := Session{
		ID:        uuid.NewString(),
		Name:      filepath.Base(path),
		Path:      path,
		CreatedAt: time.Now(),
		State:     StateIdle,
	}
	return r.insert(sess, "path:"+path, filepath.Join(path, ".kestrel", "session.jsonl"))
}

// insert reserves the binding, opens the transcript and publishes the
// session. The reservation happens before the transcript I/O so two
// concurrent creates for one workspace can never both hold the file,
// without the map lock being held across the open.
func (r *Registry) insert(sess Session, binding, transcriptPath string) (Session, error) {
	r.mu.Lock()
	if holder, taken := r.bindings[binding]; taken {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: session %s", ErrBindingBusy, holder)
	}
	r.bindings[binding] = sess.ID
	r.mu.Unlock()

	tlog, err := transcript.Open(transcriptPath, r.log)
	if err != nil {
		r.mu.Lock()
		delete(r.bindings, binding)
		r.mu.Unlock()
		return Session{}, fmt.Errorf("failed to open transcript for session %s: %w", sess.ID, err)
	}

	r.mu.Lock()
	r.sessions[sess.ID] = &entry{sess: sess, binding: binding, log: tlog}
	r.mu.Unlock()

	r.log.Info("Created session %s (%s)", sess.ID, sess.Path)
	return sess, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, nil
}

// Transcript returns the open transcript log for the session.
func (r *Registry) Transcript(id string) (*transcript.Log, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.log, nil
}

// Rename sets the session's display name.
func (r *Registry) Rename(id, name string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sess.Name = name
	e.mu.Unlock()
	return nil
}

// SetState records the session's connection state.
func (r *Registry) SetState(id string, state State) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sess.State = state
	e.mu.Unlock()
	return nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.sess)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes the session, closing its transcript. When deleteBranch
// is set and the session is bound to a project branch, the branch is
// deleted too; degraded reports a branch removal that had to fall back
// to plain directory removal because the git state was unusable.
func (r *Registry) Delete(ctx context.Context, id string, deleteBranch bool) (degraded bool, err error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.bindings, e.binding)
	}
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	e.sess.State = StateClosed
	sess := e.sess
	if cerr := e.log.Close(); cerr != nil {
		r.log.Warn("Failed to close transcript for session %s: %v", id, cerr)
	}
	e.mu.Unlock()

	if deleteBranch && sess.Project != "" {
		degraded, err = r.store.DeleteBranch(ctx, sess.Project, sess.Branch)
		if err != nil {
			return degraded, fmt.Errorf("failed to delete branch for session %s: %w", id, err)
		}
	}

	r.log.Info("Deleted session %s", id)
	return degraded, nil
}
