package reader

import "fmt"

// ReorgTooDeepError is returned when a fork reaches past the history window,
// so the divergence point cannot be located.
type ReorgTooDeepError struct {
	Head   uint64
	Window int
}

func (e *ReorgTooDeepError) Error() string {
	return fmt.Sprintf("reorg deeper than history window (%d blocks) at head %d", e.Window, e.Head)
}

// NewReorgTooDeepError creates a new ReorgTooDeepError.
func NewReorgTooDeepError(head uint64, window int) error {
	return &ReorgTooDeepError{Head: head, Window: window}
}

// MalformedBlockError is returned when the chain adapter hands back a block
// that violates the requested height or has no block hash.
type MalformedBlockError struct {
	BlockNumber uint64
	Details     string
}

func (e *MalformedBlockError) Error() string {
	return fmt.Sprintf("malformed block at height %d: %s", e.BlockNumber, e.Details)
}

// NewMalformedBlockError creates a new MalformedBlockError.
func NewMalformedBlockError(blockNum uint64, details string) error {
	return &MalformedBlockError{BlockNumber: blockNum, Details: details}
}
