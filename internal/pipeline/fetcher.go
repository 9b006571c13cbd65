package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcade-insights/catalog-cli/internal/model"
	"github.com/arcade-insights/catalog-cli/internal/steam"
)

// Fetcher resolves detail records for a working set with bounded
// parallelism. Workers share only the client's spacing clock and the
// result sink; results are an unordered bag.
type Fetcher struct {
	client  DetailFetcher
	workers int
}

// NewFetcher creates a Fetcher with the given worker count.
func NewFetcher(client DetailFetcher, workers int) *Fetcher {
	if workers <= 0 {
		workers = 3
	}
	return &Fetcher{client: client, workers: workers}
}

// Fetch resolves ids through the worker pool. A single identifier's
// failure is recorded and excluded from the bag, never aborting the
// batch; only context cancellation returns an error.
func (f *Fetcher) Fetch(ctx context.Context, ids []int64) ([]*steam.AppDetails, []model.FetchFailure, error) {
	log := zap.L().With(zap.String("component", "pipeline.fetcher"))

	var mu sync.Mutex
	details := make([]*steam.AppDetails, 0, len(ids))
	var failures []model.FetchFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for _, appid := range ids {
		g.Go(func() error {
			d, err := f.client.AppDetails(gctx, appid)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Debug("fetch failed", zap.Int64("appid", appid), zap.Error(err))
				mu.Lock()
				failures = append(failures, model.FetchFailure{AppID: appid, Err: err.Error()})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			details = append(details, d)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	log.Info("fetch complete",
		zap.Int("requested", len(ids)),
		zap.Int("fetched", len(details)),
		zap.Int("failed", len(failures)),
	)
	return details, failures, nil
}
