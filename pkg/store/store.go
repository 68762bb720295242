package store

import "context"

// IndexState is the sole durable cursor of the engine. It is written in the
// same transaction that applies a block's updaters.
type IndexState struct {
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	IsReplay    bool   `json:"is_replay"`
}

// Tx is a datastore transaction handle.
type Tx interface {
	Commit() error
	Rollback() error
}

// Store defines the capability set the handler needs from a datastore
// adapter. All engine writes flow through transactions obtained here.
type Store interface {
	// Begin opens a new transaction.
	Begin(ctx context.Context) (Tx, error)

	// ReadIndexState reads the persisted cursor inside the transaction.
	// The second return is false when no cursor has been written yet.
	ReadIndexState(tx Tx) (IndexState, bool, error)

	// WriteIndexState persists the cursor through the transaction.
	WriteIndexState(tx Tx, state IndexState) error

	// Context returns the mutation surface updaters operate on, scoped to
	// the transaction. Its concrete type is adapter-specific; updaters
	// assert it to whatever the adapter documents.
	Context(tx Tx) any

	// RollbackTo reverses derived state so that it reflects the chain as
	// of block target-1. After it returns, the persisted cursor (if any)
	// has BlockNumber <= target-1.
	RollbackTo(ctx context.Context, target uint64) error
}
