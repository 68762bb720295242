package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/goran-ethernal/demux/pkg/store"
)

// DefaultSnapshotRetention is the number of post-block snapshots kept for
// rollbacks. It should be at least the reader's history window.
const DefaultSnapshotRetention = 512

// ErrCommitFailed is returned by Commit when a failure has been injected.
var ErrCommitFailed = errors.New("memstore: commit failed")

// Compile-time check to ensure Store implements the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is an in-memory datastore adapter. Each committed block leaves a
// full snapshot of the key/value state behind, which is how RollbackTo
// restores the exact pre-fork view. Intended for prototyping and tests; the
// sqlite adapter is the durable one.
type Store struct {
	mu sync.Mutex

	state     map[string]any
	index     *store.IndexState
	snapshots map[uint64]snapshot
	retention int

	// firstApplied is the first block ever committed; rolling back to it
	// or below resets the store instead of failing on a missing snapshot.
	firstApplied uint64

	// failCommits makes the next N commits fail, for transient-failure tests.
	failCommits int
}

type snapshot struct {
	state map[string]any
	index store.IndexState
}

// New creates an empty in-memory store with the default snapshot retention.
func New() *Store {
	return NewWithRetention(DefaultSnapshotRetention)
}

// NewWithRetention creates an empty in-memory store keeping the given number
// of post-block snapshots.
func NewWithRetention(retention int) *Store {
	return &Store{
		state:     make(map[string]any),
		snapshots: make(map[uint64]snapshot),
		retention: retention,
	}
}

// FailNextCommits makes the next n commits return ErrCommitFailed.
func (s *Store) FailNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// State is the mutation surface handed to updaters via Context. It operates
// on the transaction's working copy; nothing is visible until commit.
type State struct {
	m map[string]any
}

// Get returns the value stored under key.
func (st *State) Get(key string) (any, bool) {
	v, ok := st.m[key]
	return v, ok
}

// Set stores value under key.
func (st *State) Set(key string, value any) {
	st.m[key] = value
}

// Delete removes key.
func (st *State) Delete(key string) {
	delete(st.m, key)
}

type memTx struct {
	s *Store

	working      map[string]any
	index        *store.IndexState
	indexWritten bool
	done         bool
}

// Begin opens a transaction over a copy of the current state.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := make(map[string]any, len(s.state))
	maps.Copy(working, s.state)

	var index *store.IndexState
	if s.index != nil {
		cp := *s.index
		index = &cp
	}

	return &memTx{s: s, working: working, index: index}, nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("memstore: transaction already finished")
	}
	t.done = true

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommits > 0 {
		s.failCommits--
		return ErrCommitFailed
	}

	s.state = t.working
	s.index = t.index

	if t.indexWritten && t.index != nil {
		snap := snapshot{state: make(map[string]any, len(t.working)), index: *t.index}
		maps.Copy(snap.state, t.working)
		s.snapshots[t.index.BlockNumber] = snap

		if s.firstApplied == 0 || t.index.BlockNumber < s.firstApplied {
			s.firstApplied = t.index.BlockNumber
		}

		if t.index.BlockNumber > uint64(s.retention) {
			delete(s.snapshots, t.index.BlockNumber-uint64(s.retention))
		}
	}

	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.working = nil
	return nil
}

// ReadIndexState reads the cursor from the transaction's view.
func (s *Store) ReadIndexState(tx store.Tx) (store.IndexState, bool, error) {
	t, err := unwrap(tx)
	if err != nil {
		return store.IndexState{}, false, err
	}
	if t.index == nil {
		return store.IndexState{}, false, nil
	}
	return *t.index, true, nil
}

// WriteIndexState sets the cursor in the transaction's view.
func (s *Store) WriteIndexState(tx store.Tx, state store.IndexState) error {
	t, err := unwrap(tx)
	if err != nil {
		return err
	}
	cp := state
	t.index = &cp
	t.indexWritten = true
	return nil
}

// Context returns the *State mutation surface for the transaction.
func (s *Store) Context(tx store.Tx) any {
	t, err := unwrap(tx)
	if err != nil {
		return nil
	}
	return &State{m: t.working}
}

// RollbackTo restores the snapshot taken after block target-1. Rolling back
// past everything ever applied resets the store to empty.
func (s *Store) RollbackTo(ctx context.Context, target uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil || s.index.BlockNumber < target {
		return nil
	}

	for num := range s.snapshots {
		if num >= target {
			delete(s.snapshots, num)
		}
	}

	snap, ok := s.snapshots[target-1]
	if !ok {
		if target > s.firstApplied {
			return fmt.Errorf("memstore: rollback to %d exceeds snapshot retention", target)
		}
		// Everything ever applied is being discarded: reset to empty.
		s.state = make(map[string]any)
		s.index = nil
		return nil
	}

	s.state = make(map[string]any, len(snap.state))
	maps.Copy(s.state, snap.state)
	cp := snap.index
	s.index = &cp

	return nil
}

// Dump returns a copy of the committed state, for tests and inspection.
func (s *Store) Dump() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.state))
	maps.Copy(out, s.state)
	return out
}

func unwrap(tx store.Tx) (*memTx, error) {
	t, ok := tx.(*memTx)
	if !ok {
		return nil, fmt.Errorf("memstore: unexpected transaction type %T", tx)
	}
	return t, nil
}
