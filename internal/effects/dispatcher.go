package effects

import (
	"context"
	"sync"

	internalcommon "github.com/goran-ethernal/demux/internal/common"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/internal/metrics"
	"github.com/goran-ethernal/demux/pkg/chain"
	"github.com/goran-ethernal/demux/pkg/handler"
	"golang.org/x/sync/errgroup"
)

// task is one effect invocation bound to its originating block.
type task struct {
	fn     handler.EffectFunc
	action chain.Action
	block  *chain.Block
}

// typeQueue is a FIFO of pending tasks for one action type. Channels cannot
// drop queued items, which rollbacks require, so this is a mutex-guarded
// slice with a wake signal.
type typeQueue struct {
	mu      sync.Mutex
	pending []task
	wake    chan struct{}
}

func newTypeQueue() *typeQueue {
	return &typeQueue{wake: make(chan struct{}, 1)}
}

func (q *typeQueue) push(t task) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *typeQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return task{}, false
	}

	t := q.pending[0]
	q.pending = q.pending[1:]
	return t, true
}

// dropFrom removes pending tasks for blocks >= target and reports the count.
func (q *typeQueue) dropFrom(target uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	dropped := 0
	for _, t := range q.pending {
		if t.block.Number >= target {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	q.pending = kept
	return dropped
}

// Dispatcher runs registered effects for live-tip blocks. In fire-and-forget
// mode each action type gets a worker goroutine draining its own queue, so
// enqueue order is preserved per type while types interleave freely. In
// await mode Dispatch runs the block's effects to completion before
// returning, one errgroup goroutine per action type.
type Dispatcher struct {
	log     *logger.Logger
	mode    handler.EffectRunMode
	effects map[string][]handler.EffectFunc

	mu            sync.Mutex
	queues        map[string]*typeQueue
	executedHigh  uint64
	dispatchGroup sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDispatcher creates a dispatcher for the given effect registrations.
// Registration order per action type is preserved.
func NewDispatcher(effects []handler.Effect, mode handler.EffectRunMode, log *logger.Logger) *Dispatcher {
	byType := make(map[string][]handler.EffectFunc)
	for _, e := range effects {
		byType[e.ActionType] = append(byType[e.ActionType], e.Fn)
	}

	d := &Dispatcher{
		log:     log.WithComponent(internalcommon.ComponentEffects),
		mode:    mode,
		effects: byType,
		queues:  make(map[string]*typeQueue),
		stopCh:  make(chan struct{}),
	}

	if mode == handler.EffectRunModeFireAndForget {
		for actionType := range byType {
			q := newTypeQueue()
			d.queues[actionType] = q
			d.dispatchGroup.Add(1)
			go d.drain(actionType, q)
		}
	}

	return d
}

// Dispatch schedules the block's effects. Must only be called after the
// block's transaction has committed, and never for replayed blocks.
// In await mode it blocks until every effect has run.
func (d *Dispatcher) Dispatch(ctx context.Context, block *chain.Block) {
	if d.mode == handler.EffectRunModeAwait {
		d.dispatchAwait(ctx, block)
		return
	}

	for _, action := range block.Actions {
		for _, fn := range d.effects[action.Type] {
			d.queues[action.Type].push(task{fn: fn, action: action, block: block})
		}
	}
}

// dispatchAwait runs the block's effects synchronously, sequential per
// action type, types concurrent.
func (d *Dispatcher) dispatchAwait(ctx context.Context, block *chain.Block) {
	perType := make(map[string][]task)
	for _, action := range block.Actions {
		for _, fn := range d.effects[action.Type] {
			perType[action.Type] = append(perType[action.Type], task{fn: fn, action: action, block: block})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for actionType, tasks := range perType {
		g.Go(func() error {
			for _, t := range tasks {
				d.run(gctx, actionType, t)
			}
			return nil
		})
	}

	// Effects never return errors through the group; the barrier is the point.
	_ = g.Wait()
}

// DropFrom removes all pending effects for blocks >= target. Effects that
// already executed cannot be unwound; the caller gets the executed watermark
// back to decide whether to warn.
func (d *Dispatcher) DropFrom(target uint64) (dropped int, executedHigh uint64) {
	d.mu.Lock()
	executedHigh = d.executedHigh
	d.mu.Unlock()

	for _, q := range d.queues {
		dropped += q.dropFrom(target)
	}

	if dropped > 0 {
		metrics.EffectsDroppedAdd(dropped)
		d.log.Debugw("dropped pending effects", "count", dropped, "from_block", target)
	}

	return dropped, executedHigh
}

// Close stops the workers and waits for in-flight effects to finish.
// Pending queued effects are discarded.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.dispatchGroup.Wait()
}

// drain is the per-type worker loop for fire-and-forget mode.
func (d *Dispatcher) drain(actionType string, q *typeQueue) {
	defer d.dispatchGroup.Done()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		t, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-d.stopCh:
				return
			}
		}

		d.run(context.Background(), actionType, t)
	}
}

// run invokes one effect, recovering panics so a bad effect cannot take
// down the ingestion process.
func (d *Dispatcher) run(ctx context.Context, actionType string, t task) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.EffectErrorInc(actionType)
			d.log.Errorw("effect panicked",
				"action_type", actionType,
				"block", t.block.Number,
				"panic", rec,
			)
		}
	}()

	t.fn(ctx, t.action, t.block)

	metrics.EffectDispatchedInc(actionType)

	d.mu.Lock()
	if t.block.Number > d.executedHigh {
		d.executedHigh = t.block.Number
	}
	d.mu.Unlock()
}
