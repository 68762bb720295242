// Package demux assembles the ingestion engine: a reader walking the chain
// through the supplied source, a handler applying registered updaters inside
// one datastore transaction per block, and a watcher driving both on a
// polling cadence with effects dispatched on the live tip only.
package demux

import (
	"context"
	"fmt"

	"github.com/goran-ethernal/demux/internal/effects"
	enginehandler "github.com/goran-ethernal/demux/internal/handler"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/internal/reader"
	"github.com/goran-ethernal/demux/internal/watcher"
	"github.com/goran-ethernal/demux/pkg/chain"
	"github.com/goran-ethernal/demux/pkg/config"
	"github.com/goran-ethernal/demux/pkg/handler"
	"github.com/goran-ethernal/demux/pkg/store"
)

// Options configures an Engine.
type Options struct {
	// Reader configures the cursor start and fork-detection window.
	Reader config.ReaderConfig

	// Watcher configures polling, retries and the effect run mode.
	Watcher config.WatcherConfig

	// Logging configures the engine's logger.
	Logging config.LoggingConfig

	// Updaters are the deterministic per-action-type state mutators.
	Updaters []handler.Updater

	// Effects are the non-deterministic per-action-type side effects.
	Effects []handler.Effect
}

// Engine is a wired reader/handler/watcher triple over a chain source and a
// datastore adapter.
type Engine struct {
	watcher    *watcher.Watcher
	dispatcher *effects.Dispatcher
	log        *logger.Logger
}

// New assembles an engine. The source and store adapters are supplied by the
// caller; everything else is built from the options.
func New(src chain.Source, st store.Store, opts Options) (*Engine, error) {
	opts.Reader.ApplyDefaults()
	opts.Watcher.ApplyDefaults()
	opts.Logging.ApplyDefaults()

	mode := handler.EffectRunMode(opts.Watcher.EffectRunMode)
	if mode != handler.EffectRunModeFireAndForget && mode != handler.EffectRunModeAwait {
		return nil, fmt.Errorf("invalid effect run mode %q", opts.Watcher.EffectRunMode)
	}

	log, err := logger.NewLoggerFromConfig(opts.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dispatcher := effects.NewDispatcher(opts.Effects, mode, log)
	h := enginehandler.New(st, dispatcher, opts.Updaters, log, opts.Reader)
	r := reader.New(src, log, opts.Reader)

	return &Engine{
		watcher:    watcher.New(r, h, log, opts.Watcher),
		dispatcher: dispatcher,
		log:        log,
	}, nil
}

// Watch ingests blocks until the context is cancelled or a fatal error
// occurs.
func (e *Engine) Watch(ctx context.Context) error {
	return e.watcher.Watch(ctx)
}

// CheckForBlocks runs a single watch iteration. It reports whether the
// iteration made progress.
func (e *Engine) CheckForBlocks(ctx context.Context) (bool, error) {
	return e.watcher.CheckForBlocks(ctx)
}

// Pause suspends polling.
func (e *Engine) Pause() {
	e.watcher.Pause()
}

// Resume restarts polling after a Pause.
func (e *Engine) Resume() {
	e.watcher.Resume()
}

// Close stops the effect workers and flushes the logger. Call after Watch
// has returned.
func (e *Engine) Close() error {
	e.dispatcher.Close()
	return e.log.Close()
}
