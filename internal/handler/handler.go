package handler

import (
	"context"
	"fmt"
	"time"

	internalcommon "github.com/goran-ethernal/demux/internal/common"
	"github.com/goran-ethernal/demux/internal/effects"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/internal/metrics"
	"github.com/goran-ethernal/demux/pkg/chain"
	"github.com/goran-ethernal/demux/pkg/config"
	pkghandler "github.com/goran-ethernal/demux/pkg/handler"
	"github.com/goran-ethernal/demux/pkg/store"
)

// Handler applies block actions to the datastore under a single transaction
// per block and dispatches effects for live-tip blocks. All of its methods
// run on the ingestion lane; only effect execution leaves it.
type Handler struct {
	store      store.Store
	dispatcher *effects.Dispatcher
	log        *logger.Logger

	startAtBlock uint64
	updaters     map[string][]pkghandler.UpdaterFunc
}

// New creates a handler over the given datastore adapter. Updater
// registration order per action type is preserved.
func New(
	st store.Store,
	dispatcher *effects.Dispatcher,
	updaters []pkghandler.Updater,
	log *logger.Logger,
	cfg config.ReaderConfig,
) *Handler {
	byType := make(map[string][]pkghandler.UpdaterFunc)
	for _, u := range updaters {
		byType[u.ActionType] = append(byType[u.ActionType], u.Fn)
	}

	return &Handler{
		store:        st,
		dispatcher:   dispatcher,
		log:          log.WithComponent(internalcommon.ComponentHandler),
		startAtBlock: cfg.StartAtBlock,
		updaters:     byType,
	}
}

// LoadIndexState reads the persisted cursor outside any apply transaction.
func (h *Handler) LoadIndexState(ctx context.Context) (store.IndexState, bool, error) {
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return store.IndexState{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			h.log.Debugw("rollback after read", "error", err)
		}
	}()

	return h.store.ReadIndexState(tx)
}

// HandleBlock applies one block: validates it against the persisted cursor,
// runs every registered updater for its actions in block order inside one
// transaction, writes the new cursor through the same transaction, commits,
// and finally dispatches effects when the block is not a replay.
func (h *Handler) HandleBlock(ctx context.Context, block *chain.Block, isReplay bool) error {
	start := time.Now()

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil {
			h.log.Errorw("failed to rollback transaction", "block", block.Number, "error", err)
		}
	}()

	state, ok, err := h.store.ReadIndexState(tx)
	if err != nil {
		return fmt.Errorf("failed to read index state: %w", err)
	}

	if ok {
		if block.Number != state.BlockNumber+1 {
			return &OutOfOrderBlockError{Expected: state.BlockNumber + 1, Got: block.Number}
		}
		if block.PrevHash != state.BlockHash {
			return &HashMismatchError{
				BlockNumber: block.Number,
				Expected:    state.BlockHash,
				Got:         block.PrevHash,
			}
		}
	} else if block.Number != h.startAtBlock {
		return &OutOfOrderBlockError{Expected: h.startAtBlock, Got: block.Number}
	}

	stateCtx := h.store.Context(tx)

	for _, action := range block.Actions {
		for _, fn := range h.updaters[action.Type] {
			if err := fn(ctx, stateCtx, action, block); err != nil {
				return &UpdaterError{
					ActionType:  action.Type,
					BlockNumber: block.Number,
					Err:         err,
				}
			}
		}
	}

	newState := store.IndexState{
		BlockNumber: block.Number,
		BlockHash:   block.Hash,
		IsReplay:    isReplay,
	}
	if err := h.store.WriteIndexState(tx, newState); err != nil {
		return fmt.Errorf("failed to write index state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: block %d: %v", ErrCommitFailed, block.Number, err)
	}
	committed = true

	metrics.BlockAppliedLog(block.Number, len(block.Actions), time.Since(start), isReplay)
	h.log.Debugw("block applied",
		"block", block.Number,
		"block_hash", block.Hash,
		"actions", len(block.Actions),
		"is_replay", isReplay,
	)

	if !isReplay {
		h.dispatcher.Dispatch(ctx, block)
	}

	return nil
}

// RollbackTo reverses derived state to the snapshot as of target-1. Pending
// effects for blocks >= target are dropped first; effects that already ran
// cannot be unwound and are only reported.
func (h *Handler) RollbackTo(ctx context.Context, target uint64) error {
	dropped, executedHigh := h.dispatcher.DropFrom(target)
	if executedHigh >= target {
		h.log.Warnw("effects not reversible",
			"target", target,
			"highest_executed_block", executedHigh,
		)
	}

	if err := h.store.RollbackTo(ctx, target); err != nil {
		return fmt.Errorf("failed to roll back datastore to %d: %w", target, err)
	}

	h.log.Infow("rolled back",
		"target", target,
		"dropped_effects", dropped,
	)

	return nil
}
