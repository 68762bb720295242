package handler

import (
	"context"

	"github.com/goran-ethernal/demux/pkg/chain"
)

// UpdaterFunc mutates derived state for one action. The state argument is the
// adapter-specific mutation surface returned by store.Store.Context, scoped
// to the block's transaction. Updaters must be deterministic functions of
// (payload, block, prior datastore state) and must not retain the state
// argument past the call.
type UpdaterFunc func(ctx context.Context, state any, action chain.Action, block *chain.Block) error

// EffectFunc runs a non-deterministic side effect for one action. Effects
// fire asynchronously on live-tip blocks only and have no access to the
// datastore transaction.
type EffectFunc func(ctx context.Context, action chain.Action, block *chain.Block)

// Updater binds an updater function to an action type. Multiple updaters may
// share a type; they run in registration order.
type Updater struct {
	ActionType string
	Fn         UpdaterFunc
}

// Effect binds an effect function to an action type. Multiple effects may
// share a type; they are enqueued in registration order.
type Effect struct {
	ActionType string
	Fn         EffectFunc
}

// EffectRunMode selects whether the watcher blocks on effect completion.
type EffectRunMode string

const (
	// EffectRunModeFireAndForget dispatches effects on background workers
	// and never blocks the ingestion lane.
	EffectRunModeFireAndForget EffectRunMode = "fire-and-forget"

	// EffectRunModeAwait runs a block's effects to completion before the
	// next block is read.
	EffectRunModeAwait EffectRunMode = "await"
)
