package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	internalcommon "github.com/goran-ethernal/demux/internal/common"
	"github.com/goran-ethernal/demux/internal/handler"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/internal/metrics"
	"github.com/goran-ethernal/demux/internal/reader"
	"github.com/goran-ethernal/demux/pkg/chain"
	"github.com/goran-ethernal/demux/pkg/config"
	"github.com/goran-ethernal/demux/pkg/store"
)

// backoffCap bounds the retry backoff at this multiple of the poll interval.
const backoffCap = 30

// BlockReader is the capability set the watcher needs from the action reader.
type BlockReader interface {
	GetNextBlock(ctx context.Context) (reader.Event, error)
	SeekToBlock(n uint64)
	HeadBlockNumber(ctx context.Context) (uint64, error)
}

// BlockHandler is the capability set the watcher needs from the action handler.
type BlockHandler interface {
	HandleBlock(ctx context.Context, block *chain.Block, isReplay bool) error
	RollbackTo(ctx context.Context, target uint64) error
	LoadIndexState(ctx context.Context) (store.IndexState, bool, error)
}

// Watcher drives the reader/handler pair on a polling cadence. One block per
// iteration: rollbacks interrupt promptly and reasoning stays local.
type Watcher struct {
	reader  BlockReader
	handler BlockHandler
	log     *logger.Logger

	pollInterval time.Duration
	maxRetries   int

	// replayTarget is resolved on the first iteration: the configured
	// override, or the chain head observed when ingestion starts.
	replayTarget    uint64
	replayTargetSet bool
	cfgReplayTarget uint64

	paused   atomic.Bool
	resumeCh chan struct{}
}

// New creates a watcher.
func New(r BlockReader, h BlockHandler, log *logger.Logger, cfg config.WatcherConfig) *Watcher {
	return &Watcher{
		reader:          r,
		handler:         h,
		log:             log.WithComponent(internalcommon.ComponentWatcher),
		pollInterval:    cfg.PollInterval.Duration,
		maxRetries:      int(cfg.MaxRetries),
		cfgReplayTarget: cfg.ReplayTarget,
		resumeCh:        make(chan struct{}, 1),
	}
}

// Watch polls until the context is cancelled or a fatal error occurs.
func (w *Watcher) Watch(ctx context.Context) error {
	w.log.Info("watch started")
	metrics.ComponentHealthSet(internalcommon.ComponentWatcher, true)
	defer metrics.ComponentHealthSet(internalcommon.ComponentWatcher, false)

	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("watch cancelled")
			return err
		}

		if w.paused.Load() {
			select {
			case <-w.resumeCh:
			case <-ctx.Done():
				w.log.Info("watch cancelled")
				return ctx.Err()
			}
			continue
		}

		progressed, err := w.CheckForBlocks(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.log.Info("watch cancelled")
				return err
			}
			metrics.ErrorInc(internalcommon.ComponentWatcher, "fatal")
			w.log.Errorw("watch stopping", "error", err)
			return err
		}

		if !progressed {
			if err := w.sleep(ctx, w.pollInterval); err != nil {
				return err
			}
		}
	}
}

// Pause suspends polling after the current iteration.
func (w *Watcher) Pause() {
	if w.paused.CompareAndSwap(false, true) {
		w.log.Info("paused")
	}
}

// Resume restarts polling after a Pause.
func (w *Watcher) Resume() {
	if w.paused.CompareAndSwap(true, false) {
		select {
		case w.resumeCh <- struct{}{}:
		default:
		}
		w.log.Info("resumed")
	}
}

// CheckForBlocks runs one watch iteration: ask the reader for the next
// event and drive the handler accordingly. It reports whether the iteration
// made progress; when it did not, the caller should back off for one poll
// interval. A nil error with no progress covers both a caught-up head and a
// transient chain outage.
func (w *Watcher) CheckForBlocks(ctx context.Context) (bool, error) {
	if err := w.ensureReplayTarget(ctx); err != nil {
		if errors.Is(err, chain.ErrUnavailable) {
			w.log.Warnw("chain unavailable while resolving replay target", "error", err)
			return false, nil
		}
		return false, err
	}

	ev, err := w.reader.GetNextBlock(ctx)
	if err != nil {
		if errors.Is(err, chain.ErrUnavailable) {
			metrics.ErrorInc(internalcommon.ComponentReader, "transient")
			w.log.Warnw("chain unavailable", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("reader failed: %w", err)
	}

	switch ev.Kind {
	case reader.EventNewBlock:
		isReplay := ev.Block.Number <= w.replayTarget
		if err := w.applyWithRetry(ctx, ev.Block, isReplay); err != nil {
			return false, err
		}
		return true, nil

	case reader.EventRollback:
		if err := w.handler.RollbackTo(ctx, ev.RollbackTo); err != nil {
			return false, fmt.Errorf("rollback to %d failed: %w", ev.RollbackTo, err)
		}
		return true, nil

	default:
		return false, nil
	}
}

// ensureReplayTarget resolves the replay boundary once, before the first
// block is read: either the configured override or the chain head at start.
// Blocks at or below it are replays; effects are suppressed for them.
func (w *Watcher) ensureReplayTarget(ctx context.Context) error {
	if w.replayTargetSet {
		return nil
	}

	// Resume from the persisted cursor when one exists.
	state, ok, err := w.handler.LoadIndexState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load index state: %w", err)
	}
	if ok {
		w.reader.SeekToBlock(state.BlockNumber + 1)
		w.log.Infow("resuming from persisted cursor",
			"block", state.BlockNumber,
			"block_hash", state.BlockHash,
		)
	}

	if w.cfgReplayTarget != 0 {
		w.replayTarget = w.cfgReplayTarget
	} else {
		head, err := w.reader.HeadBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve replay target: %w", err)
		}
		w.replayTarget = head
	}

	w.replayTargetSet = true
	w.log.Infow("replay target resolved", "replay_target", w.replayTarget)

	return nil
}

// applyWithRetry drives one block through the handler under the retry
// policy: transient failures get bounded exponential backoff, a
// deterministic updater failure gets exactly one retry, protocol violations
// fail immediately.
func (w *Watcher) applyWithRetry(ctx context.Context, block *chain.Block, isReplay bool) error {
	var (
		attempts       int
		updaterRetried bool
	)

	for {
		err := w.handler.HandleBlock(ctx, block, isReplay)
		if err == nil {
			return nil
		}
		attempts++

		var outOfOrder *handler.OutOfOrderBlockError
		var hashMismatch *handler.HashMismatchError
		if errors.As(err, &outOfOrder) || errors.As(err, &hashMismatch) {
			return fmt.Errorf("protocol violation at block %d: %w", block.Number, err)
		}

		var updaterErr *handler.UpdaterError
		if errors.As(err, &updaterErr) {
			if updaterRetried {
				return &FatalHandlerError{BlockNumber: block.Number, Attempts: attempts, Err: err}
			}
			updaterRetried = true
			w.log.Warnw("updater failed, retrying once",
				"block", block.Number,
				"action_type", updaterErr.ActionType,
				"error", updaterErr.Err,
			)
			continue
		}

		// Everything else is transient: commit failures, datastore or
		// chain unavailability.
		if attempts >= w.maxRetries {
			return &FatalHandlerError{BlockNumber: block.Number, Attempts: attempts, Err: err}
		}

		backoff := w.backoff(attempts)
		metrics.ErrorInc(internalcommon.ComponentHandler, "transient")
		w.log.Warnw("block apply failed, backing off",
			"block", block.Number,
			"attempt", attempts,
			"backoff", backoff,
			"error", err,
		)

		if err := w.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// backoff computes the exponential backoff for the given attempt, with the
// poll interval as base and a hard cap.
func (w *Watcher) backoff(attempt int) time.Duration {
	d := w.pollInterval
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap*w.pollInterval {
			return backoffCap * w.pollInterval
		}
	}
	return d
}

// sleep waits for the duration or the context, whichever ends first.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
