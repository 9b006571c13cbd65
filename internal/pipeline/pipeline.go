// Package pipeline implements the extraction-validation-merge run:
// validate a sample of the candidate universe, fetch and normalize detail
// records under the source's rate limit, stage the batch, and hand it to
// the warehouse merger.
package pipeline

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcade-insights/catalog-cli/internal/config"
	"github.com/arcade-insights/catalog-cli/internal/model"
	"github.com/arcade-insights/catalog-cli/internal/steam"
)

// maxRecordedFailures caps how many per-identifier failures the run log
// keeps. The full count still lands in FetchFailed.
const maxRecordedFailures = 25

// CatalogClient is the source API surface the pipeline consumes.
type CatalogClient interface {
	AppList(ctx context.Context) ([]int64, error)
	AppDetails(ctx context.Context, appid int64) (*steam.AppDetails, error)
}

// Warehouse is the warehouse surface the pipeline consumes.
type Warehouse interface {
	KnownAppIDs(ctx context.Context) (map[int64]struct{}, error)
	LoadStaging(ctx context.Context, batch *model.StagedBatch) (int64, error)
	Merge(ctx context.Context, runDate time.Time) (*model.MergeStats, error)
	StartRun(ctx context.Context, runDate time.Time, mode model.LoadMode) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, errMsg string) error
}

// Stager persists one run's raw and processed artifacts as complete
// units.
type Stager interface {
	StageRaw(ctx context.Context, runDate time.Time, details []*steam.AppDetails) error
	StageBatch(ctx context.Context, batch *model.StagedBatch) error
}

// RunOpts are the externally supplied run parameters. Everything else is
// internal configuration.
type RunOpts struct {
	// RunDate is the run's logical date. Reruns with the same date are
	// idempotent inputs to the merger.
	RunDate time.Time

	// InitialLoad selects the full load mode instead of incremental.
	InitialLoad bool

	// MaxApps caps identifiers processed this run; 0 means no cap. The
	// cap truncates the working set before dispatch, never mid-fetch.
	MaxApps int
}

// Pipeline wires the validator, fetcher, transformer, stager, and merger
// into one directional flow, invoked once per scheduled run.
type Pipeline struct {
	client    CatalogClient
	warehouse Warehouse
	stager    Stager
	validator *Validator
	fetcher   *Fetcher
	cfg       config.PipelineConfig
}

// New creates a Pipeline.
func New(client CatalogClient, wh Warehouse, stager Stager, cfg config.PipelineConfig) *Pipeline {
	return &Pipeline{
		client:    client,
		warehouse: wh,
		stager:    stager,
		validator: NewValidator(client, cfg.SampleSize, cfg.Headroom),
		fetcher:   NewFetcher(client, cfg.Workers),
		cfg:       cfg,
	}
}

// Run executes one full pipeline pass. Per-identifier and per-record
// failures are absorbed into the result; staging and merge failures fail
// the run so the external scheduler's retry policy applies.
func (p *Pipeline) Run(ctx context.Context, opts RunOpts) (*model.RunResult, error) {
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_date", opts.RunDate.Format(model.DateLayout)),
	)

	mode := model.LoadModeIncremental
	if opts.InitialLoad {
		mode = model.LoadModeFull
	}

	run, err := p.warehouse.StartRun(ctx, opts.RunDate, mode)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}

	result, err := p.execute(ctx, opts, mode, log)
	if err != nil {
		if failErr := p.warehouse.FailRun(ctx, run.ID, err.Error()); failErr != nil {
			log.Error("failed to record run failure", zap.Error(failErr))
		}
		return nil, err
	}

	if err := p.warehouse.CompleteRun(ctx, run.ID, result); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}

	log.Info("run complete",
		zap.String("mode", string(mode)),
		zap.Int("fetched", result.Fetched),
		zap.Int("fetch_failed", result.FetchFailed),
		zap.Int("dropped", result.Dropped),
		zap.Int64("staged", result.Staged),
		zap.Int64("inserted", result.Merge.Inserted),
		zap.Int64("closed", result.Merge.Closed),
	)
	return result, nil
}

func (p *Pipeline) execute(ctx context.Context, opts RunOpts, mode model.LoadMode, log *zap.Logger) (*model.RunResult, error) {
	universe, err := p.client.AppList(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: fetch universe")
	}
	log.Info("fetched candidate universe", zap.Int("size", len(universe)))

	working, _, err := p.validator.Select(ctx, universe, opts.MaxApps)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: validate universe")
	}

	if mode == model.LoadModeIncremental {
		working, err = p.incrementalSet(ctx, working)
		if err != nil {
			return nil, err
		}
	}

	if opts.MaxApps > 0 && len(working) > opts.MaxApps {
		working = working[:opts.MaxApps]
	}
	log.Info("working set selected", zap.Int("size", len(working)))

	details, failures, err := p.fetcher.Fetch(ctx, working)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: fetch batch")
	}

	batch := &model.StagedBatch{RunDate: opts.RunDate}
	dropped := 0
	for _, d := range details {
		rec, err := Transform(d, opts.RunDate)
		if err != nil {
			log.Warn("record dropped", zap.Int64("appid", d.AppID), zap.Error(err))
			dropped++
			continue
		}
		batch.Records = append(batch.Records, rec)
	}

	if err := p.stager.StageRaw(ctx, opts.RunDate, details); err != nil {
		return nil, eris.Wrap(err, "pipeline: stage raw blob")
	}
	if err := p.stager.StageBatch(ctx, batch); err != nil {
		return nil, eris.Wrap(err, "pipeline: stage batch")
	}

	staged, err := p.warehouse.LoadStaging(ctx, batch)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load staging table")
	}

	stats, err := p.warehouse.Merge(ctx, opts.RunDate)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: merge")
	}

	failSample := failures
	if len(failSample) > maxRecordedFailures {
		failSample = failSample[:maxRecordedFailures]
	}

	return &model.RunResult{
		UniverseSize:   len(universe),
		WorkingSetSize: len(working),
		Fetched:        len(details),
		FetchFailed:    len(failures),
		Dropped:        dropped,
		Staged:         staged,
		FetchFailures:  failSample,
		Merge:          stats,
	}, nil
}

// incrementalSet keeps identifiers not yet in the warehouse plus a small
// random resample of known ones. Absence of a known identifier from an
// incremental batch is not evidence of removal; the resample only trades
// completeness-per-run for amortized freshness.
func (p *Pipeline) incrementalSet(ctx context.Context, working []int64) ([]int64, error) {
	known, err := p.warehouse.KnownAppIDs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load known appids")
	}

	var fresh, seen []int64
	for _, id := range working {
		if _, ok := known[id]; ok {
			seen = append(seen, id)
		} else {
			fresh = append(fresh, id)
		}
	}

	resample := int(float64(len(known)) * p.cfg.ResampleFraction)
	if resample > len(seen) {
		resample = len(seen)
	}
	rand.Shuffle(len(seen), func(i, j int) {
		seen[i], seen[j] = seen[j], seen[i]
	})

	zap.L().Info("incremental working set",
		zap.Int("new", len(fresh)),
		zap.Int("resampled", resample),
		zap.Int("known", len(known)),
	)
	return append(fresh, seen[:resample]...), nil
}
