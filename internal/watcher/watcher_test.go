package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goran-ethernal/demux/internal/effects"
	"github.com/goran-ethernal/demux/internal/handler"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/internal/memstore"
	"github.com/goran-ethernal/demux/internal/reader"
	"github.com/goran-ethernal/demux/pkg/chain"
	"github.com/goran-ethernal/demux/pkg/config"
	pkghandler "github.com/goran-ethernal/demux/pkg/handler"
	"github.com/stretchr/testify/require"
)

// fakeSource is a scriptable in-memory chain with reorg support.
type fakeSource struct {
	mu        sync.Mutex
	blocks    map[uint64]*chain.Block
	head      uint64
	failCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(map[uint64]*chain.Block)}
}

func testHash(blockNum uint64, branch string) string {
	return fmt.Sprintf("0x%s%04d", branch, blockNum)
}

func (f *fakeSource) extend(from, to uint64, branch string, actionsPerBlock int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for n := from; n <= to; n++ {
		prev := testHash(n-1, branch)
		if parent, ok := f.blocks[n-1]; ok {
			prev = parent.Hash
		}
		b := &chain.Block{Number: n, Hash: testHash(n, branch), PrevHash: prev}
		for i := 0; i < actionsPerBlock; i++ {
			b.Actions = append(b.Actions, chain.Action{
				Type:        "T",
				BlockNumber: n,
				TxID:        fmt.Sprintf("tx%d-%d", n, i),
				ActionIndex: uint32(i),
			})
		}
		f.blocks[n] = b
		if n > f.head {
			f.head = n
		}
	}
}

func (f *fakeSource) reorganize(from, to uint64, branch string, actionsPerBlock int) {
	f.mu.Lock()
	for n := from; n <= f.head; n++ {
		delete(f.blocks, n)
	}
	f.head = from - 1
	f.mu.Unlock()

	f.extend(from, to, branch, actionsPerBlock)
}

func (f *fakeSource) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalls = n
}

func (f *fakeSource) checkFailure() error {
	if f.failCalls > 0 {
		f.failCalls--
		return fmt.Errorf("%w: connection refused", chain.ErrUnavailable)
	}
	return nil
}

func (f *fakeSource) HeadBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFailure(); err != nil {
		return 0, err
	}
	return f.head, nil
}

func (f *fakeSource) IrreversibleBlockNumber(ctx context.Context) (uint64, error) {
	return f.HeadBlockNumber(ctx)
}

func (f *fakeSource) BlockAt(ctx context.Context, blockNum uint64) (*chain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFailure(); err != nil {
		return nil, err
	}
	b, ok := f.blocks[blockNum]
	if !ok {
		return nil, chain.ErrBlockNotFound
	}
	cp := *b
	return &cp, nil
}

// effectRecorder counts effect invocations per block.
type effectRecorder struct {
	mu     sync.Mutex
	blocks []uint64
}

func (e *effectRecorder) fn(ctx context.Context, action chain.Action, block *chain.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocks = append(e.blocks, block.Number)
}

func (e *effectRecorder) invocations() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint64, len(e.blocks))
	copy(out, e.blocks)
	return out
}

// harness wires a complete engine over the fake source and memory store.
type harness struct {
	src     *fakeSource
	store   *memstore.Store
	watcher *Watcher
	rec     *effectRecorder
}

func counterUpdater(ctx context.Context, state any, action chain.Action, block *chain.Block) error {
	st := state.(*memstore.State)
	count := 0
	if v, ok := st.Get("counter"); ok {
		count = v.(int)
	}
	st.Set("counter", count+1)
	return nil
}

func setupHarness(t *testing.T, readerCfg config.ReaderConfig, watcherCfg config.WatcherConfig) *harness {
	t.Helper()

	return setupHarnessWithUpdater(t, readerCfg, watcherCfg, counterUpdater)
}

func setupHarnessWithUpdater(
	t *testing.T,
	readerCfg config.ReaderConfig,
	watcherCfg config.WatcherConfig,
	updater pkghandler.UpdaterFunc,
) *harness {
	t.Helper()

	if readerCfg.StartAtBlock == 0 {
		readerCfg.StartAtBlock = 1
	}
	if readerCfg.HistoryWindow == 0 {
		readerCfg.HistoryWindow = 180
	}
	if watcherCfg.PollInterval.Duration == 0 {
		watcherCfg.PollInterval = config.NewDuration(time.Millisecond)
	}
	if watcherCfg.MaxRetries == 0 {
		watcherCfg.MaxRetries = 10
	}

	src := newFakeSource()
	st := memstore.New()
	rec := &effectRecorder{}
	log := logger.NewNopLogger()

	dispatcher := effects.NewDispatcher(
		[]pkghandler.Effect{{ActionType: "T", Fn: rec.fn}},
		pkghandler.EffectRunModeAwait,
		log,
	)
	t.Cleanup(dispatcher.Close)

	h := handler.New(
		st,
		dispatcher,
		[]pkghandler.Updater{{ActionType: "T", Fn: updater}},
		log,
		readerCfg,
	)
	r := reader.New(src, log, readerCfg)
	w := New(r, h, log, watcherCfg)

	return &harness{src: src, store: st, watcher: w, rec: rec}
}

// drainUntilIdle runs watch iterations until one reports no progress.
func (h *harness) drainUntilIdle(t *testing.T, ctx context.Context) {
	t.Helper()

	for i := 0; i < 10_000; i++ {
		progressed, err := h.watcher.CheckForBlocks(ctx)
		require.NoError(t, err)
		if !progressed {
			return
		}
	}
	t.Fatal("watcher never went idle")
}

func (h *harness) indexState(t *testing.T, ctx context.Context) (uint64, string) {
	t.Helper()

	tx, err := h.store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	state, ok, err := h.store.ReadIndexState(tx)
	require.NoError(t, err)
	require.True(t, ok)
	return state.BlockNumber, state.BlockHash
}

func TestWatcher_HappyPath(t *testing.T) {
	// Chain 100..105, two actions per block; everything is live because
	// the replay boundary is pinned below the start block.
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 100},
		config.WatcherConfig{ReplayTarget: 99},
	)
	h.src.extend(100, 105, "a", 2)
	ctx := context.Background()

	h.drainUntilIdle(t, ctx)

	num, hash := h.indexState(t, ctx)
	require.Equal(t, uint64(105), num)
	require.Equal(t, testHash(105, "a"), hash)

	// Counter equals total action count across the suffix
	require.Equal(t, 12, h.store.Dump()["counter"])
	require.Len(t, h.rec.invocations(), 12)
}

func TestWatcher_ShallowFork(t *testing.T) {
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 100},
		config.WatcherConfig{ReplayTarget: 99},
	)
	h.src.extend(100, 103, "a", 1)
	ctx := context.Background()

	h.drainUntilIdle(t, ctx)
	num, _ := h.indexState(t, ctx)
	require.Equal(t, uint64(103), num)

	// Reorg at 102 onto a new branch reaching 104
	h.src.reorganize(102, 104, "b", 1)
	h.drainUntilIdle(t, ctx)

	num, hash := h.indexState(t, ctx)
	require.Equal(t, uint64(104), num)
	require.Equal(t, testHash(104, "b"), hash)

	// 100,101 + 102',103',104' survived; the two discarded blocks did not
	require.Equal(t, 5, h.store.Dump()["counter"])
}

func TestWatcher_DeepForkIsFatal(t *testing.T) {
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 1, HistoryWindow: 5},
		config.WatcherConfig{ReplayTarget: 1_000},
	)
	h.src.extend(1, 10, "a", 1)
	ctx := context.Background()

	h.drainUntilIdle(t, ctx)

	// Fork originating 7 blocks back exceeds the window
	h.src.reorganize(4, 12, "b", 1)

	_, err := h.watcher.CheckForBlocks(ctx)
	require.Error(t, err)
	var tooDeep *reader.ReorgTooDeepError
	require.ErrorAs(t, err, &tooDeep)

	// Datastore untouched since the last successful commit
	num, _ := h.indexState(t, ctx)
	require.Equal(t, uint64(10), num)
	require.Equal(t, 10, h.store.Dump()["counter"])
}

func TestWatcher_ReplayBoundary(t *testing.T) {
	// Head at ingestion start is 200; 100..200 replay silently, 201+ fire.
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 100},
		config.WatcherConfig{},
	)
	h.src.extend(100, 200, "a", 1)
	ctx := context.Background()

	h.drainUntilIdle(t, ctx)
	require.Empty(t, h.rec.invocations())

	h.src.extend(201, 205, "a", 1)
	h.drainUntilIdle(t, ctx)

	require.Equal(t, []uint64{201, 202, 203, 204, 205}, h.rec.invocations())

	num, _ := h.indexState(t, ctx)
	require.Equal(t, uint64(205), num)
}

func TestWatcher_TransientOutageResumes(t *testing.T) {
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 1},
		config.WatcherConfig{ReplayTarget: 1},
	)
	h.src.extend(1, 10, "a", 1)
	ctx := context.Background()

	h.drainUntilIdle(t, ctx)

	// Chain unreachable for 5 consecutive polls
	h.src.failNext(5)
	h.src.extend(11, 15, "a", 1)

	for i := 0; i < 5; i++ {
		progressed, err := h.watcher.CheckForBlocks(ctx)
		require.NoError(t, err)
		require.False(t, progressed)
	}

	h.drainUntilIdle(t, ctx)

	// No block skipped
	num, _ := h.indexState(t, ctx)
	require.Equal(t, uint64(15), num)
	require.Equal(t, 15, h.store.Dump()["counter"])
	require.Equal(t, []uint64{2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, h.rec.invocations())
}

func TestWatcher_UpdaterFailureEscalatesAfterOneRetry(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	failing := func(ctx context.Context, state any, action chain.Action, block *chain.Block) error {
		if block.Number == 150 && action.ActionIndex == 2 {
			attempts++
			return boom
		}
		return counterUpdater(ctx, state, action, block)
	}

	h := setupHarnessWithUpdater(t,
		config.ReaderConfig{StartAtBlock: 149},
		config.WatcherConfig{ReplayTarget: 148},
		failing,
	)
	h.src.extend(149, 150, "a", 3)
	ctx := context.Background()

	// Block 149 applies; block 150 fails deterministically
	progressed, err := h.watcher.CheckForBlocks(ctx)
	require.NoError(t, err)
	require.True(t, progressed)

	_, err = h.watcher.CheckForBlocks(ctx)
	require.Error(t, err)

	var fatal *FatalHandlerError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, uint64(150), fatal.BlockNumber)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, attempts)

	// Transaction rolled back: cursor still at 149, no effects for 150
	num, _ := h.indexState(t, ctx)
	require.Equal(t, uint64(149), num)
	require.Equal(t, []uint64{149, 149, 149}, h.rec.invocations())
}

func TestWatcher_CommitFailureIsRetried(t *testing.T) {
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 1},
		config.WatcherConfig{ReplayTarget: 0, MaxRetries: 5},
	)
	h.src.extend(1, 3, "a", 1)
	h.store.FailNextCommits(2)
	ctx := context.Background()

	h.drainUntilIdle(t, ctx)

	num, _ := h.indexState(t, ctx)
	require.Equal(t, uint64(3), num)
	require.Equal(t, 3, h.store.Dump()["counter"])
}

func TestWatcher_CommitFailureExhaustsRetryBudget(t *testing.T) {
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 1},
		config.WatcherConfig{ReplayTarget: 10, MaxRetries: 3},
	)
	h.src.extend(1, 3, "a", 1)
	h.store.FailNextCommits(10)
	ctx := context.Background()

	_, err := h.watcher.CheckForBlocks(ctx)
	require.Error(t, err)

	var fatal *FatalHandlerError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, uint64(1), fatal.BlockNumber)
	require.Equal(t, 3, fatal.Attempts)
}

func TestWatcher_ResumesFromPersistedCursor(t *testing.T) {
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 1},
		config.WatcherConfig{ReplayTarget: 1_000},
	)
	h.src.extend(1, 5, "a", 1)
	ctx := context.Background()

	h.drainUntilIdle(t, ctx)

	// Second watcher over the same store picks up where the first stopped
	log := logger.NewNopLogger()
	dispatcher := effects.NewDispatcher(nil, pkghandler.EffectRunModeAwait, log)
	t.Cleanup(dispatcher.Close)

	readerCfg := config.ReaderConfig{StartAtBlock: 1, HistoryWindow: 180}
	h2 := handler.New(h.store, dispatcher, []pkghandler.Updater{{ActionType: "T", Fn: counterUpdater}}, log, readerCfg)
	r2 := reader.New(h.src, log, readerCfg)
	w2 := New(r2, h2, log, config.WatcherConfig{
		PollInterval: config.NewDuration(time.Millisecond),
		MaxRetries:   10,
		ReplayTarget: 1_000,
	})

	h.src.extend(6, 8, "a", 1)

	for {
		progressed, err := w2.CheckForBlocks(ctx)
		require.NoError(t, err)
		if !progressed {
			break
		}
	}

	num, _ := h.indexState(t, ctx)
	require.Equal(t, uint64(8), num)
	// 5 from the first run + 3 from the second: duplicates were rejected
	require.Equal(t, 8, h.store.Dump()["counter"])
}

func TestWatcher_PauseAndResume(t *testing.T) {
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 1},
		config.WatcherConfig{ReplayTarget: 1_000},
	)
	h.src.extend(1, 5, "a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.watcher.Pause()

	done := make(chan error, 1)
	go func() {
		done <- h.watcher.Watch(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, h.store.Dump())

	h.watcher.Resume()

	require.Eventually(t, func() bool {
		return h.store.Dump()["counter"] == 5
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}

func TestWatcher_WatchStopsOnCancel(t *testing.T) {
	h := setupHarness(t,
		config.ReaderConfig{StartAtBlock: 1},
		config.WatcherConfig{ReplayTarget: 1_000},
	)
	h.src.extend(1, 3, "a", 1)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.watcher.Watch(ctx)
	}()

	require.Eventually(t, func() bool {
		return h.store.Dump()["counter"] == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

func TestWatcher_RoundTripMatchesIncrementalRun(t *testing.T) {
	// Replaying a fixed suffix from scratch must land on the same state as
	// the incremental run that processed it block-by-block.
	build := func() *harness {
		h := setupHarness(t,
			config.ReaderConfig{StartAtBlock: 50},
			config.WatcherConfig{ReplayTarget: 49},
		)
		return h
	}

	incremental := build()
	incremental.src.extend(50, 60, "a", 2)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		incremental.drainUntilIdle(t, ctx)
		if i < 10 {
			incremental.src.extend(61+uint64(i), 61+uint64(i), "a", 2)
		}
	}

	replay := build()
	replay.src.extend(50, 70, "a", 2)
	replay.drainUntilIdle(t, ctx)

	require.Equal(t, incremental.store.Dump(), replay.store.Dump())

	incNum, incHash := incremental.indexState(t, ctx)
	repNum, repHash := replay.indexState(t, ctx)
	require.Equal(t, incNum, repNum)
	require.Equal(t, incHash, repHash)
}
