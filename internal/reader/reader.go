package reader

import (
	"context"
	"errors"
	"fmt"

	internalcommon "github.com/goran-ethernal/demux/internal/common"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/internal/metrics"
	"github.com/goran-ethernal/demux/pkg/chain"
	"github.com/goran-ethernal/demux/pkg/config"
)

// EventKind discriminates the outcomes of GetNextBlock.
type EventKind int

const (
	// EventNoNewBlock means the head is caught up; the caller should back off.
	EventNoNewBlock EventKind = iota

	// EventNewBlock carries the next canonical block after the current head.
	EventNewBlock

	// EventRollback means the chain diverged; the handler must discard all
	// state derived from blocks >= RollbackTo.
	EventRollback
)

// Event is one reader emission.
type Event struct {
	Kind       EventKind
	Block      *chain.Block
	RollbackTo uint64
}

type blockRef struct {
	number uint64
	hash   string
}

// Reader walks the chain forward and delivers a strictly causal stream of
// block events. It owns the only copy of the history window; all of its
// methods must be called from a single goroutine.
type Reader struct {
	src chain.Source
	log *logger.Logger

	startAtBlock     uint64
	onlyIrreversible bool
	windowSize       int

	started   bool
	head      blockRef
	headKnown bool
	window    []blockRef
}

// New creates a reader over the given chain source.
func New(src chain.Source, log *logger.Logger, cfg config.ReaderConfig) *Reader {
	return &Reader{
		src:              src,
		log:              log.WithComponent(internalcommon.ComponentReader),
		startAtBlock:     cfg.StartAtBlock,
		onlyIrreversible: cfg.OnlyIrreversible,
		windowSize:       int(cfg.HistoryWindow),
	}
}

// HeadBlockNumber reports the chain head, for replay-boundary derivation.
func (r *Reader) HeadBlockNumber(ctx context.Context) (uint64, error) {
	return r.src.HeadBlockNumber(ctx)
}

// GetNextBlock returns the next event in the canonical stream: the block
// following the current head, a rollback when the chain diverged under us,
// or no-new-block when the head is caught up.
func (r *Reader) GetNextBlock(ctx context.Context) (Event, error) {
	next := r.startAtBlock
	if r.started {
		next = r.head.number + 1
	}

	ceiling, err := r.ceiling(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("failed to query chain ceiling: %w", err)
	}

	if ceiling < next {
		// The head may still have been replaced at our height. The link
		// check on the next accepted block catches that case.
		return Event{Kind: EventNoNewBlock}, nil
	}

	cand, err := r.src.BlockAt(ctx, next)
	if errors.Is(err, chain.ErrBlockNotFound) {
		return Event{Kind: EventNoNewBlock}, nil
	}
	if err != nil {
		return Event{}, fmt.Errorf("failed to fetch block %d: %w", next, err)
	}

	if cand == nil || cand.Hash == "" {
		return Event{}, NewMalformedBlockError(next, "missing block hash")
	}
	if cand.Number != next {
		return Event{}, NewMalformedBlockError(next,
			fmt.Sprintf("adapter returned height %d", cand.Number))
	}

	if !r.started || !r.headKnown || cand.PrevHash == r.head.hash {
		r.record(cand)
		return Event{Kind: EventNewBlock, Block: cand}, nil
	}

	r.log.Warnw("fork detected",
		"head", r.head.number,
		"head_hash", r.head.hash,
		"candidate_prev_hash", cand.PrevHash,
	)

	return r.rewind(ctx)
}

// SeekToBlock resets the cursor so the next GetNextBlock returns block n.
// The history window is cleared; the block at n is accepted without a hash
// link check, like a genesis start.
func (r *Reader) SeekToBlock(n uint64) {
	r.started = true
	r.head = blockRef{number: n - 1}
	r.headKnown = false
	r.window = nil

	r.log.Infow("seeked", "next_block", n)
}

// ceiling returns the highest block number the reader may return.
func (r *Reader) ceiling(ctx context.Context) (uint64, error) {
	if r.onlyIrreversible {
		return r.src.IrreversibleBlockNumber(ctx)
	}
	return r.src.HeadBlockNumber(ctx)
}

// record appends the accepted block to the history window and advances the head.
func (r *Reader) record(b *chain.Block) {
	r.window = append(r.window, blockRef{number: b.Number, hash: b.Hash})
	if len(r.window) > r.windowSize {
		r.window = r.window[len(r.window)-r.windowSize:]
	}

	r.started = true
	r.head = blockRef{number: b.Number, hash: b.Hash}
	r.headKnown = true
}

// rewind walks the history window backwards against the current chain state
// to locate the divergence point, then emits a single rollback event.
func (r *Reader) rewind(ctx context.Context) (Event, error) {
	oldHead := r.head.number

	for i := len(r.window) - 1; i >= 0; i-- {
		stored := r.window[i]

		current, err := r.src.BlockAt(ctx, stored.number)
		if errors.Is(err, chain.ErrBlockNotFound) {
			// The new branch is shorter than the old one. Keep walking.
			continue
		}
		if err != nil {
			return Event{}, fmt.Errorf("failed to fetch block %d during rewind: %w", stored.number, err)
		}

		if current != nil && current.Hash == stored.hash {
			r.window = r.window[:i+1]
			r.head = stored
			r.headKnown = true

			target := stored.number + 1
			depth := oldHead - stored.number

			metrics.RollbackDetectedLog(depth, target)
			r.log.Warnw("rollback",
				"divergence_point", stored.number,
				"target", target,
				"depth", depth,
			)

			return Event{Kind: EventRollback, RollbackTo: target}, nil
		}
	}

	metrics.ErrorInc(internalcommon.ComponentReader, "fatal")
	return Event{}, NewReorgTooDeepError(oldHead, r.windowSize)
}
