package handler

import (
	"errors"
	"fmt"
)

// ErrCommitFailed marks a failed datastore commit. Commit failures are
// transient; the watcher retries the same block.
var ErrCommitFailed = errors.New("handler: commit failed")

// OutOfOrderBlockError is returned when a block does not directly follow the
// persisted cursor.
type OutOfOrderBlockError struct {
	Expected uint64
	Got      uint64
}

func (e *OutOfOrderBlockError) Error() string {
	return fmt.Sprintf("out-of-order block: expected %d, got %d", e.Expected, e.Got)
}

// HashMismatchError is returned when a block's previous hash does not match
// the persisted cursor's hash.
type HashMismatchError struct {
	BlockNumber uint64
	Expected    string
	Got         string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch at block %d: expected prev %s, got %s",
		e.BlockNumber, e.Expected, e.Got)
}

// UpdaterError wraps a failure from a user-supplied updater function.
// Updaters are deterministic, so the watcher retries at most once before
// escalating.
type UpdaterError struct {
	ActionType  string
	BlockNumber uint64
	Err         error
}

func (e *UpdaterError) Error() string {
	return fmt.Sprintf("updater for %q failed at block %d: %v", e.ActionType, e.BlockNumber, e.Err)
}

func (e *UpdaterError) Unwrap() error {
	return e.Err
}
