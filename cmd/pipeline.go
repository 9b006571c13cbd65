package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/arcade-insights/catalog-cli/internal/config"
	"github.com/arcade-insights/catalog-cli/internal/model"
	"github.com/arcade-insights/catalog-cli/internal/pipeline"
	"github.com/arcade-insights/catalog-cli/internal/stage"
	"github.com/arcade-insights/catalog-cli/internal/steam"
	"github.com/arcade-insights/catalog-cli/internal/warehouse"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Catalog extraction and merge pipeline",
	Long:  "Fetches the app universe, validates and samples identifiers, normalizes detail records, stages run artifacts, and merges them into the versioned historical table.",
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
}

// pipelineEnv holds the wired pipeline and its closable resources.
type pipelineEnv struct {
	Pipeline  *pipeline.Pipeline
	Warehouse warehouse.Warehouse
}

func (e *pipelineEnv) Close() {
	_ = e.Warehouse.Close()
}

// initPipeline opens the warehouse, object store, and source client and
// wires them into a Pipeline. Migrations are applied before returning.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	wh, err := openWarehouse(ctx)
	if err != nil {
		return nil, err
	}

	store, err := stage.NewMinioStore(ctx, cfg.Storage)
	if err != nil {
		wh.Close() //nolint:errcheck
		return nil, err
	}
	stager := stage.NewStager(store, cfg.Storage.RawPrefix, cfg.Storage.ProcessedPrefix)

	client := steam.NewClient(steamClientConfig(cfg.Steam))

	return &pipelineEnv{
		Pipeline:  pipeline.New(client, wh, stager, cfg.Pipeline),
		Warehouse: wh,
	}, nil
}

// openWarehouse opens the configured warehouse backend and applies
// pending migrations.
func openWarehouse(ctx context.Context) (warehouse.Warehouse, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("pipeline: no database_url configured (set store.database_url)")
	}

	wh, err := warehouse.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := wh.Migrate(ctx); err != nil {
		wh.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "pipeline: migrate")
	}

	return wh, nil
}

func steamClientConfig(c config.SteamConfig) steam.Config {
	return steam.Config{
		AppListURL:      c.AppListURL,
		AppDetailsURL:   c.AppDetailsURL,
		UserAgent:       c.UserAgent,
		MaxRetries:      c.MaxRetries,
		RequestInterval: time.Duration(c.RequestIntervalMS) * time.Millisecond,
		Timeout:         time.Duration(c.TimeoutSecs) * time.Second,
		ListTimeout:     time.Duration(c.ListTimeoutSecs) * time.Second,
	}
}

// parseRunDate parses a --run-date flag value, defaulting to today (UTC)
// when empty.
func parseRunDate(value string) (time.Time, error) {
	if value == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(model.DateLayout, value)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "pipeline: parse run date %q", value)
	}
	return t, nil
}
