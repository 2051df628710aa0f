// Package pidfile guards a workspace root against concurrent daemons.
// Two engines appending to the same transcripts or mutating the same
// git worktrees would corrupt both, so the first daemon writes its PID
// into the root and later starts refuse while that process is alive.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld reports that another live daemon already owns the root.
var ErrHeld = errors.New("workspace already in use")

const fileName = "kestrel.pid"

// Pidfile is an acquired daemon lock.
type Pidfile struct {
	path string
}

// Acquire claims the workspace root for this process. A pidfile left by
// a dead process is stale and gets replaced silently.
func Acquire(root string) (*Pidfile, error) {
	path := filepath.Join(root, fileName)

	if pid, err := readPID(path); err == nil && processAlive(pid) && pid != os.Getpid() {
		return nil, fmt.Errorf("%w: pid %d holds %s", ErrHeld, pid, path)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}
	return &Pidfile{path: path}, nil
}

// Release drops the lock. Safe to call when the file is already gone.
func (p *Pidfile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the pidfile location.
func (p *Pidfile) Path() string {
	return p.path
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	return pid, nil
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
