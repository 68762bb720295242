package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goran-ethernal/demux/examples/archive"
	archivemig "github.com/goran-ethernal/demux/examples/archive/migrations"
	"github.com/goran-ethernal/demux/internal/common"
	"github.com/goran-ethernal/demux/internal/config"
	"github.com/goran-ethernal/demux/internal/db"
	"github.com/goran-ethernal/demux/internal/ethchain"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/internal/metrics"
	"github.com/goran-ethernal/demux/internal/sqlstore"
	storemig "github.com/goran-ethernal/demux/internal/sqlstore/migrations"
	pkgconfig "github.com/goran-ethernal/demux/pkg/config"
	"github.com/goran-ethernal/demux/pkg/demux"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

var (
	configPath   string
	replayTarget string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "demux",
	Short: "demux - deterministic blockchain ingestion engine",
	Long: `demux continuously ingests blocks, routes their actions through
deterministic updaters inside one datastore transaction per block, and
dispatches non-deterministic effects on the live tip only. Forks are detected
and rolled back automatically. This binary runs the engine with the built-in
action archive pipeline.`,
	Version: version,
	RunE:    runWatch,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema := jsonschema.Reflect(&pkgconfig.Config{})
		out, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to render schema: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.Flags().StringVar(&replayTarget, "replay-target", "",
		"override the replay boundary block (decimal or 0x hex); blocks at or below it fire no effects")
	rootCmd.AddCommand(schemaCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if replayTarget != "" {
		target, err := common.ParseUint64orHex(&replayTarget)
		if err != nil {
			return fmt.Errorf("invalid --replay-target: %w", err)
		}
		cfg.Watcher.ReplayTarget = target
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	log, err := logger.NewLoggerFromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(ctx); err != nil {
				log.Warnf("failed to stop metrics server: %v", err)
			}
		}()
		log.Infof("metrics server started on %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	log.Info("running database migrations")
	migrations := append(storemig.Migrations(), archivemig.Migrations()...)
	if err := db.RunMigrations(cfg.DB.Path, migrations); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	st := sqlstore.New(database, log, cfg.DB, cfg.Reader.StartAtBlock, archive.Table)
	defer st.Close()

	log.Infof("connecting to chain node: %s", cfg.Chain.RPCURL)
	client, err := ethchain.NewClient(ctx, cfg.Chain, log)
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	defer client.Close()

	// The archive handles every configured topic plus bare (topic-less) logs.
	actionTypes := append([]string{}, cfg.Chain.Topics...)
	actionTypes = append(actionTypes, ethchain.ActionTypeBareLog)

	engine, err := demux.New(client, st, demux.Options{
		Reader:   cfg.Reader,
		Watcher:  cfg.Watcher,
		Logging:  cfg.Logging,
		Updaters: archive.Updaters(actionTypes),
		Effects:  archive.Effects(actionTypes, log),
	})
	if err != nil {
		return fmt.Errorf("failed to assemble engine: %w", err)
	}
	defer engine.Close()

	log.Infow("starting demux",
		"start_at_block", cfg.Reader.StartAtBlock,
		"only_irreversible", cfg.Reader.OnlyIrreversible,
		"poll_interval", cfg.Watcher.PollInterval.Duration,
		"effect_run_mode", cfg.Watcher.EffectRunMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Watch(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watcher failed: %w", err)
	}

	log.Info("demux stopped")
	return nil
}
