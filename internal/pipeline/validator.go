package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/arcade-insights/catalog-cli/internal/steam"
)

// DetailFetcher resolves one appid to its detail record.
type DetailFetcher interface {
	AppDetails(ctx context.Context, appid int64) (*steam.AppDetails, error)
}

// ValidationStats describes how the working set was chosen.
type ValidationStats struct {
	SampleSize    int     // identifiers actually probed
	Resolved      int     // probes that returned a record
	ValidFraction float64 // empirical resolvable fraction p
	Fallback      bool    // true when p could not be estimated
}

// Validator estimates what fraction of the candidate universe is
// resolvable so the pipeline fetches only as many identifiers as needed
// to reach the target yield, instead of dispatching a call per candidate.
type Validator struct {
	client     DetailFetcher
	sampleSize int
	headroom   float64
}

// NewValidator creates a Validator. sampleSize is how many random probes
// to spend; headroom pads the extrapolated size against sampling error.
func NewValidator(client DetailFetcher, sampleSize int, headroom float64) *Validator {
	if sampleSize <= 0 {
		sampleSize = 100
	}
	if headroom < 1 {
		headroom = 1.5
	}
	return &Validator{client: client, sampleSize: sampleSize, headroom: headroom}
}

// Select returns the working subset of universe sized so that roughly
// target identifiers resolve. When the fraction cannot be estimated
// (empty sample or zero resolutions) it falls back to the full universe;
// that is a policy decision, not a failure.
func (v *Validator) Select(ctx context.Context, universe []int64, target int) ([]int64, ValidationStats, error) {
	log := zap.L().With(zap.String("component", "pipeline.validator"))

	if len(universe) == 0 {
		return nil, ValidationStats{Fallback: true}, nil
	}
	if target <= 0 || target > len(universe) {
		target = len(universe)
	}

	shuffled := make([]int64, len(universe))
	copy(shuffled, universe)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := v.sampleSize
	if n > len(shuffled) {
		n = len(shuffled)
	}

	resolved := 0
	for _, appid := range shuffled[:n] {
		if err := ctx.Err(); err != nil {
			return nil, ValidationStats{}, err
		}

		_, err := v.client.AppDetails(ctx, appid)
		switch {
		case err == nil:
			resolved++
		case errors.Is(err, steam.ErrNotFound):
			// unresolvable candidate, the expected miss
		default:
			log.Warn("probe failed", zap.Int64("appid", appid), zap.Error(err))
		}
	}

	stats := ValidationStats{SampleSize: n, Resolved: resolved}
	if n == 0 || resolved == 0 {
		// Data starvation: no basis for extrapolation, use everything.
		stats.Fallback = true
		log.Info("validation fallback: using full universe",
			zap.Int("sample_size", n),
			zap.Int("resolved", resolved),
		)
		return shuffled, stats, nil
	}

	stats.ValidFraction = float64(resolved) / float64(n)

	// target/p raw identifiers are expected to yield target resolvable
	// ones; headroom pads for sampling error. The probed sample is the
	// head of the shuffle, so the cut below always contains it.
	required := int(float64(target) / stats.ValidFraction * v.headroom)
	if required < n {
		required = n
	}
	if required > len(shuffled) {
		required = len(shuffled)
	}

	log.Info("validation complete",
		zap.Int("sample_size", n),
		zap.Int("resolved", resolved),
		zap.Float64("valid_fraction", stats.ValidFraction),
		zap.Int("working_set", required),
	)

	return shuffled[:required], stats, nil
}
