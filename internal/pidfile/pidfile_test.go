package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	root := t.TempDir()

	pf, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	data, err := os.ReadFile(pf.Path())
	if err != nil {
		t.Fatalf("Failed to read pidfile: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("Pidfile holds %q, want our pid", string(data))
	}

	if err := pf.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(pf.Path()); !os.IsNotExist(err) {
		t.Error("Pidfile still present after release")
	}
}

func TestAcquireReplacesStalePidfile(t *testing.T) {
	root := t.TempDir()

	// A pid nobody runs under on Linux.
	stale := filepath.Join(root, fileName)
	if err := os.WriteFile(stale, []byte("999999999"), 0644); err != nil {
		t.Fatal(err)
	}

	pf, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire over stale pidfile failed: %v", err)
	}
	defer pf.Release()
}

func TestAcquireRefusesLiveHolder(t *testing.T) {
	root := t.TempDir()

	// Pretend pid 1 holds the root; init is always alive.
	if err := os.WriteFile(filepath.Join(root, fileName), []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Acquire(root)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("Expected ErrHeld, got %v", err)
	}
}

func TestAcquireIgnoresGarbage(t *testing.T) {
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(root, fileName), []byte("not a pid"), 0644); err != nil {
		t.Fatal(err)
	}

	pf, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire over garbage pidfile failed: %v", err)
	}
	defer pf.Release()
}

func TestReacquireByOwner(t *testing.T) {
	root := t.TempDir()

	first, err := Acquire(root)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	// The same process restarting its store is not a conflict.
	second, err := Acquire(root)
	if err != nil {
		t.Fatalf("Re-acquire by owner failed: %v", err)
	}
	defer second.Release()
}
