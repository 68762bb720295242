package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	internalcommon "github.com/goran-ethernal/demux/internal/common"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/pkg/config"
	"github.com/goran-ethernal/demux/pkg/store"
	"github.com/russross/meddler"
)

func init() {
	meddler.Default = meddler.SQLite
}

// Compile-time check to ensure Store implements the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is a sqlite-backed datastore adapter. The persisted cursor lives in
// the index_state singleton row; an applied_blocks journal of
// (block_number, block_hash) pairs is written alongside it so RollbackTo can
// restore the exact cursor hash for the rollback point. Derived-state tables
// registered at construction are truncated from the rollback target on.
type Store struct {
	db  *sql.DB
	log *logger.Logger

	// tables are the derived-state tables, each carrying a block_number
	// column, rolled back by deletion.
	tables []string

	startAtBlock     uint64
	journalRetention uint64
}

// indexStateRow is the index_state singleton.
// Uses meddler tags for automatic struct-to-db mapping.
type indexStateRow struct {
	ID          int    `meddler:"id"`
	BlockNumber uint64 `meddler:"block_number"`
	BlockHash   string `meddler:"block_hash"`
	IsReplay    bool   `meddler:"is_replay"`
}

// appliedBlockRow is one journal entry.
type appliedBlockRow struct {
	BlockNumber uint64 `meddler:"block_number"`
	BlockHash   string `meddler:"block_hash"`
}

// New creates a sqlite store over an open database. The schema must have
// been migrated (see the migrations subpackage). startAtBlock is the
// engine's first ingested block; rolling back to it or below clears the
// cursor entirely. tables lists the derived-state tables updaters write to.
func New(database *sql.DB, log *logger.Logger, cfg config.DatabaseConfig, startAtBlock uint64, tables ...string) *Store {
	return &Store{
		db:               database,
		log:              log.WithComponent(internalcommon.ComponentStore),
		tables:           tables,
		startAtBlock:     startAtBlock,
		journalRetention: cfg.BlockJournalRetention,
	}
}

// Begin opens a new transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// ReadIndexState reads the persisted cursor inside the transaction.
func (s *Store) ReadIndexState(tx store.Tx) (store.IndexState, bool, error) {
	sqlTx, err := unwrap(tx)
	if err != nil {
		return store.IndexState{}, false, err
	}

	var row indexStateRow
	err = meddler.QueryRow(sqlTx, &row, "SELECT * FROM index_state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return store.IndexState{}, false, nil
	}
	if err != nil {
		return store.IndexState{}, false, fmt.Errorf("failed to read index state: %w", err)
	}

	return store.IndexState{
		BlockNumber: row.BlockNumber,
		BlockHash:   row.BlockHash,
		IsReplay:    row.IsReplay,
	}, true, nil
}

// WriteIndexState persists the cursor and appends the block to the journal,
// pruning journal rows that fell out of the retention window.
func (s *Store) WriteIndexState(tx store.Tx, state store.IndexState) error {
	sqlTx, err := unwrap(tx)
	if err != nil {
		return err
	}

	isReplay := 0
	if state.IsReplay {
		isReplay = 1
	}

	if _, err := sqlTx.Exec(
		`INSERT INTO index_state (id, block_number, block_hash, is_replay) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET block_number = excluded.block_number,
		                               block_hash = excluded.block_hash,
		                               is_replay = excluded.is_replay`,
		state.BlockNumber, state.BlockHash, isReplay,
	); err != nil {
		return fmt.Errorf("failed to write index state: %w", err)
	}

	if _, err := sqlTx.Exec(
		`INSERT OR REPLACE INTO applied_blocks (block_number, block_hash) VALUES (?, ?)`,
		state.BlockNumber, state.BlockHash,
	); err != nil {
		return fmt.Errorf("failed to journal block %d: %w", state.BlockNumber, err)
	}

	if state.BlockNumber > s.journalRetention {
		if _, err := sqlTx.Exec(
			`DELETE FROM applied_blocks WHERE block_number < ?`,
			state.BlockNumber-s.journalRetention,
		); err != nil {
			return fmt.Errorf("failed to prune journal: %w", err)
		}
	}

	return nil
}

// Context returns the mutation surface updaters operate on: the underlying
// *sql.Tx, so updaters run arbitrary statements inside the block's
// transaction.
func (s *Store) Context(tx store.Tx) any {
	sqlTx, err := unwrap(tx)
	if err != nil {
		return nil
	}
	return sqlTx
}

// RollbackTo deletes derived state for blocks >= target and restores the
// cursor from the journal. After it returns, the cursor (if present) is at
// target-1 with the hash recorded when that block was applied.
func (s *Store) RollbackTo(ctx context.Context, target uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	var row indexStateRow
	err = meddler.QueryRow(tx, &row, "SELECT * FROM index_state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		// Nothing applied yet; nothing to roll back.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index state: %w", err)
	}

	if row.BlockNumber < target {
		return nil
	}

	for _, table := range s.tables {
		//nolint:gosec // Table names come from construction, not user input
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE block_number >= ?", table), target); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM applied_blocks WHERE block_number >= ?`, target); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}

	if target <= s.startAtBlock {
		// Everything ever applied is being discarded; drop the cursor so
		// ingestion restarts from the configured start block.
		if _, err := tx.Exec(`DELETE FROM index_state WHERE id = 1`); err != nil {
			return fmt.Errorf("failed to clear index state: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit rollback: %w", err)
		}

		s.log.Warnw("rolled back entire derived state", "target", target)
		return nil
	}

	var prior appliedBlockRow
	err = meddler.QueryRow(tx, &prior,
		"SELECT * FROM applied_blocks WHERE block_number = ?", target-1)
	if errors.Is(err, sql.ErrNoRows) {
		// The journal no longer covers target-1: the fork is deeper than
		// the retention window and the cursor hash cannot be restored.
		return fmt.Errorf("rollback to %d exceeds journal retention (%d blocks)", target, s.journalRetention)
	}
	if err != nil {
		return fmt.Errorf("failed to read journal at %d: %w", target-1, err)
	}

	isReplay := 0
	if row.IsReplay {
		isReplay = 1
	}

	if _, err := tx.Exec(
		`UPDATE index_state SET block_number = ?, block_hash = ? , is_replay = ? WHERE id = 1`,
		prior.BlockNumber, prior.BlockHash, isReplay,
	); err != nil {
		return fmt.Errorf("failed to rewind index state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	s.log.Infow("rolled back derived state",
		"target", target,
		"cursor", prior.BlockNumber,
		"cursor_hash", prior.BlockHash,
	)

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// unwrap asserts the adapter's own transaction type back out of store.Tx.
func unwrap(tx store.Tx) (*sql.Tx, error) {
	sqlTx, ok := tx.(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction type %T", tx)
	}
	return sqlTx, nil
}
