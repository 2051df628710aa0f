package workspace

import "errors"

// Typed failures surfaced by the workspace store. Callers match with
// errors.Is; merge conflicts additionally carry detail via
// *vcs.MergeConflictError (match with errors.As).
var (
	// ErrNotFound reports an unknown project or branch.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports a duplicate project creation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict reports a duplicate branch creation.
	ErrConflict = errors.New("conflict")

	// ErrProtected reports a refused operation on the main branch.
	ErrProtected = errors.New("protected branch")

	// ErrInvalidName reports a project or branch name that is not
	// filesystem-safe.
	ErrInvalidName = errors.New("invalid name")

	// ErrCorrupted reports a working directory whose git state is invalid
	// for the requested operation.
	ErrCorrupted = errors.New("corrupted workspace")
)
