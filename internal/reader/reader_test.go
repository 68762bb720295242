package reader

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/pkg/chain"
	"github.com/goran-ethernal/demux/pkg/config"
	"github.com/stretchr/testify/require"
)

// fakeSource is a scriptable in-memory chain. Reorganize swaps the canonical
// branch from a given height on, like a real node reporting a new branch.
type fakeSource struct {
	mu     sync.Mutex
	blocks map[uint64]*chain.Block
	head   uint64
	lib    uint64

	// failCalls makes the next N calls return a transient error.
	failCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(map[uint64]*chain.Block)}
}

func testHash(blockNum uint64, branch string) string {
	return fmt.Sprintf("0x%s%04d", branch, blockNum)
}

// extend appends blocks (from, to) on the given branch, linking each to its
// predecessor on the same branch unless one already exists at from-1.
func (f *fakeSource) extend(from, to uint64, branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for n := from; n <= to; n++ {
		prev := testHash(n-1, branch)
		if parent, ok := f.blocks[n-1]; ok {
			prev = parent.Hash
		}
		f.blocks[n] = &chain.Block{
			Number:   n,
			Hash:     testHash(n, branch),
			PrevHash: prev,
			Actions: []chain.Action{
				{Type: "transfer", BlockNumber: n, TxID: fmt.Sprintf("tx%d", n), ActionIndex: 0},
			},
		}
		if n > f.head {
			f.head = n
		}
	}
}

// reorganize replaces the canonical branch from the given height on.
func (f *fakeSource) reorganize(from, to uint64, branch string) {
	f.mu.Lock()
	for n := from; n <= f.head; n++ {
		delete(f.blocks, n)
	}
	f.head = from - 1
	f.mu.Unlock()

	f.extend(from, to, branch)
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFailure(); err != nil {
		return 0, err
	}
	return f.lib, nil
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

func setupTestReader(t *testing.T, src chain.Source, cfg config.ReaderConfig) *Reader {
	t.Helper()

	if cfg.StartAtBlock == 0 {
		cfg.StartAtBlock = 1
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 180
	}

	return New(src, logger.NewNopLogger(), cfg)
}

func TestReader_StreamsSequentialBlocks(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 5, "a")

	r := setupTestReader(t, src, config.ReaderConfig{})
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		ev, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
		require.Equal(t, EventNewBlock, ev.Kind)
		require.Equal(t, want, ev.Block.Number)
		if want > 1 {
			require.Equal(t, testHash(want-1, "a"), ev.Block.PrevHash)
		}
	}

	// Caught up
	ev, err := r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNoNewBlock, ev.Kind)
}

func TestReader_StartAtBlock(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 110, "a")

	r := setupTestReader(t, src, config.ReaderConfig{StartAtBlock: 100})
	ctx := context.Background()

	ev, err := r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNewBlock, ev.Kind)
	require.Equal(t, uint64(100), ev.Block.Number)
}

func TestReader_NoNewBlockBeforeStart(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 50, "a")

	r := setupTestReader(t, src, config.ReaderConfig{StartAtBlock: 100})
	ctx := context.Background()

	ev, err := r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNoNewBlock, ev.Kind)

	// Chain catches up later
	src.extend(51, 100, "a")
	ev, err = r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNewBlock, ev.Kind)
	require.Equal(t, uint64(100), ev.Block.Number)
}

func TestReader_ShallowFork(t *testing.T) {
	src := newFakeSource()
	src.extend(100, 103, "a")

	r := setupTestReader(t, src, config.ReaderConfig{StartAtBlock: 100})
	ctx := context.Background()

	for want := uint64(100); want <= 103; want++ {
		ev, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
		require.Equal(t, EventNewBlock, ev.Kind)
		require.Equal(t, want, ev.Block.Number)
	}

	// Chain reorganizes at 102 onto branch b, extending to 104
	src.reorganize(102, 104, "b")

	ev, err := r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventRollback, ev.Kind)
	require.Equal(t, uint64(102), ev.RollbackTo)

	// Stream resumes on the new branch
	for want := uint64(102); want <= 104; want++ {
		ev, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
		require.Equal(t, EventNewBlock, ev.Kind, "block %d", want)
		require.Equal(t, want, ev.Block.Number)
		require.Equal(t, testHash(want, "b"), ev.Block.Hash)
	}
}

func TestReader_ForkEmitsSingleRollback(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 10, "a")

	r := setupTestReader(t, src, config.ReaderConfig{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ev, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
		require.Equal(t, EventNewBlock, ev.Kind)
	}

	src.reorganize(7, 12, "b")

	rollbacks := 0
	var events []EventKind
	for i := 0; i < 10; i++ {
		ev, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
		if ev.Kind == EventRollback {
			rollbacks++
			require.Equal(t, uint64(7), ev.RollbackTo)
		}
		events = append(events, ev.Kind)
		if ev.Kind == EventNoNewBlock {
			break
		}
	}

	require.Equal(t, 1, rollbacks)
	// Rollback strictly precedes the replacement blocks
	require.Equal(t, EventRollback, events[0])
}

func TestReader_DeepForkRejected(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 10, "a")

	r := setupTestReader(t, src, config.ReaderConfig{HistoryWindow: 5})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
	}

	// Fork originates 7 blocks back, deeper than the window of 5
	src.reorganize(4, 12, "b")

	_, err := r.GetNextBlock(ctx)
	require.Error(t, err)

	var tooDeep *ReorgTooDeepError
	require.ErrorAs(t, err, &tooDeep)
	require.Equal(t, uint64(10), tooDeep.Head)
	require.Equal(t, 5, tooDeep.Window)
}

func TestReader_ForkToShorterBranch(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 10, "a")

	r := setupTestReader(t, src, config.ReaderConfig{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
	}

	// New canonical branch is shorter than the old head
	src.reorganize(8, 8, "b")

	// Head is caught up from the reader's perspective until the branch grows
	ev, err := r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNoNewBlock, ev.Kind)

	src.extend(9, 11, "b")

	ev, err = r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventRollback, ev.Kind)
	require.Equal(t, uint64(8), ev.RollbackTo)
}

func TestReader_OnlyIrreversibleGate(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 10, "a")
	src.lib = 3

	r := setupTestReader(t, src, config.ReaderConfig{OnlyIrreversible: true})
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		ev, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
		require.Equal(t, EventNewBlock, ev.Kind)
		require.Equal(t, want, ev.Block.Number)
	}

	// Blocks above the LIB are withheld
	ev, err := r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNoNewBlock, ev.Kind)

	src.lib = 10
	ev, err = r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNewBlock, ev.Kind)
	require.Equal(t, uint64(4), ev.Block.Number)
}

func TestReader_SeekToBlock(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 10, "a")

	r := setupTestReader(t, src, config.ReaderConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
	}

	r.SeekToBlock(8)

	ev, err := r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNewBlock, ev.Kind)
	require.Equal(t, uint64(8), ev.Block.Number)

	ev, err = r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(9), ev.Block.Number)
}

func TestReader_TransientErrorSurfaces(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 5, "a")
	src.failNext(1)

	r := setupTestReader(t, src, config.ReaderConfig{})
	ctx := context.Background()

	_, err := r.GetNextBlock(ctx)
	require.ErrorIs(t, err, chain.ErrUnavailable)

	// Recovers on the next call without skipping a block
	ev, err := r.GetNextBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, EventNewBlock, ev.Kind)
	require.Equal(t, uint64(1), ev.Block.Number)
}

func TestReader_HashLinkInvariant(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 50, "a")

	r := setupTestReader(t, src, config.ReaderConfig{})
	ctx := context.Background()

	var prevHash string
	for {
		ev, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
		if ev.Kind == EventNoNewBlock {
			break
		}
		if prevHash != "" {
			require.Equal(t, prevHash, ev.Block.PrevHash)
		}
		prevHash = ev.Block.Hash
	}
}

func TestReader_WindowBounded(t *testing.T) {
	src := newFakeSource()
	src.extend(1, 100, "a")

	r := setupTestReader(t, src, config.ReaderConfig{HistoryWindow: 10})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := r.GetNextBlock(ctx)
		require.NoError(t, err)
	}

	require.LessOrEqual(t, len(r.window), 10)
	require.Equal(t, uint64(100), r.window[len(r.window)-1].number)
}
