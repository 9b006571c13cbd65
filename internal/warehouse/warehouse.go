// Package warehouse persists the catalog's full version history using
// SCD Type 2 semantics: every business key has at most one active row
// and a gap-free timeline of closed versions.
package warehouse

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arcade-insights/catalog-cli/internal/model"
)

// Warehouse defines the persistence interface for the catalog pipeline.
//
// Merge is serialized per run: the scheduler guarantees no overlapping
// pipeline runs, so per-run serialization is sufficient for the
// one-active-row invariant. Backends additionally take a coarse lock
// where the engine offers one, but the single-active-run policy is the
// documented precondition; concurrent schedulers would need per-key
// locking this package does not implement.
type Warehouse interface {
	// LoadStaging upserts the batch keyed by (appid, load_date) in one
	// transaction. Re-staging the same run date is idempotent.
	LoadStaging(ctx context.Context, batch *model.StagedBatch) (int64, error)

	// KnownAppIDs returns every business key present in the historical
	// table, active or closed.
	KnownAppIDs(ctx context.Context) (map[int64]struct{}, error)

	// Merge reconciles the staged batch for runDate against the
	// historical table: close changed active versions, insert new active
	// versions, leave unchanged keys untouched. Running it twice with
	// the same staged batch and run date yields the same table state.
	Merge(ctx context.Context, runDate time.Time) (*model.MergeStats, error)

	// VerifyIntegrity checks the one-active-row and contiguous-window
	// invariants. A violation is fatal and never silently repaired.
	VerifyIntegrity(ctx context.Context) error

	// ActiveRecords returns the current active version per key, used by
	// downstream readers and tests.
	ActiveRecords(ctx context.Context) ([]model.HistoricalRecord, error)

	// History returns all versions for one key ordered by valid_from.
	History(ctx context.Context, appid int64) ([]model.HistoricalRecord, error)

	// Run log
	StartRun(ctx context.Context, runDate time.Time, mode model.LoadMode) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ErrIntegrity marks an invariant violation in the historical table.
// Runs hitting it must fail and surface to the scheduler for manual
// reconciliation.
var ErrIntegrity = eris.New("warehouse: historical table integrity violation")

// stagingColumns is the staging table's column order, shared by both
// backends and their tests.
var stagingColumns = []string{
	"appid", "name", "genres", "tags", "languages",
	"developer", "publisher", "score_rank",
	"positive", "negative", "owners", "min_owners", "max_owners",
	"average_forever", "average_2weeks", "median_forever", "median_2weeks",
	"ccu", "price", "initial_price", "discount", "load_date",
}

// trackedColumns are the attributes compared for change detection. A
// difference in any of them closes the active version and inserts a new
// one; anything else (the display name, the raw owners text) is metadata
// and must not create a version.
var trackedColumns = []string{
	"genres", "tags", "languages",
	"developer", "publisher", "score_rank",
	"positive", "negative", "min_owners", "max_owners",
	"average_forever", "average_2weeks", "median_forever", "median_2weeks",
	"ccu", "price", "initial_price", "discount",
}

// stagingRow flattens a canonical record into staging column order.
// Set-valued fields pass through encode, which each backend maps to its
// native representation (text[] for Postgres, JSON text for SQLite).
func stagingRow(rec model.CanonicalRecord, encode func([]string) any, date func(time.Time) any) []any {
	return []any{
		rec.AppID,
		rec.Name,
		encode(rec.Genres),
		encode(rec.Tags),
		encode(rec.Languages),
		rec.Developer,
		rec.Publisher,
		rec.ScoreRank,
		rec.Positive,
		rec.Negative,
		rec.Owners,
		rec.MinOwners,
		rec.MaxOwners,
		rec.AverageForever,
		rec.Average2Weeks,
		rec.MedianForever,
		rec.Median2Weeks,
		rec.CCU,
		rec.Price,
		rec.InitialPrice,
		rec.Discount,
		date(rec.LoadDate),
	}
}
