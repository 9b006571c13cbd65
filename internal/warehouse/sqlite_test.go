package warehouse

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcade-insights/catalog-cli/internal/model"
)

func newTestWarehouse(t *testing.T) *SQLiteWarehouse {
	t.Helper()
	w, err := NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Migrate(context.Background()))
	return w
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(model.DateLayout, s)
	require.NoError(t, err)
	return d
}

func record(appid int64, price string, loadDate time.Time) model.CanonicalRecord {
	return model.CanonicalRecord{
		AppID:        appid,
		Name:         "App",
		Genres:       []string{"Action"},
		Tags:         []string{"shooter"},
		Languages:    []string{"English"},
		Developer:    "Dev",
		Publisher:    "Pub",
		ScoreRank:    "N/A",
		Positive:     100,
		Negative:     10,
		Owners:       "20,000 .. 50,000",
		MinOwners:    20000,
		MaxOwners:    50000,
		CCU:          500,
		Price:        price,
		InitialPrice: price,
		Discount:     "0",
		LoadDate:     loadDate,
	}
}

// stageAndMerge loads one batch and merges it, asserting integrity holds
// afterwards.
func stageAndMerge(t *testing.T, w *SQLiteWarehouse, runDate time.Time, recs ...model.CanonicalRecord) *model.MergeStats {
	t.Helper()
	ctx := context.Background()

	for i := range recs {
		recs[i].LoadDate = runDate
	}
	_, err := w.LoadStaging(ctx, &model.StagedBatch{RunDate: runDate, Records: recs})
	require.NoError(t, err)

	stats, err := w.Merge(ctx, runDate)
	require.NoError(t, err)
	require.NoError(t, w.VerifyIntegrity(ctx))
	return stats
}

func TestMergeFirstSighting(t *testing.T) {
	w := newTestWarehouse(t)
	d1 := day(t, "2026-01-01")

	stats := stageAndMerge(t, w, d1, record(10, "5.99", d1))
	assert.Equal(t, int64(1), stats.Inserted)
	assert.Equal(t, int64(0), stats.Closed)

	history, err := w.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsActive)
	assert.Equal(t, d1, history[0].ValidFrom)
	assert.Nil(t, history[0].ValidTo)
	assert.Equal(t, "5.99", history[0].Price)
}

func TestMergeAttributeChangeVersions(t *testing.T) {
	w := newTestWarehouse(t)
	d1, d2 := day(t, "2026-01-01"), day(t, "2026-01-02")

	stageAndMerge(t, w, d1, record(10, "5.99", d1))
	stats := stageAndMerge(t, w, d2, record(10, "3.99", d2))
	assert.Equal(t, int64(1), stats.Closed)
	assert.Equal(t, int64(1), stats.Inserted)

	history, err := w.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	closed, active := history[0], history[1]
	assert.False(t, closed.IsActive)
	require.NotNil(t, closed.ValidTo)
	assert.Equal(t, d2, *closed.ValidTo)
	assert.Equal(t, "5.99", closed.Price)

	assert.True(t, active.IsActive)
	assert.Equal(t, d2, active.ValidFrom)
	assert.Nil(t, active.ValidTo)
	assert.Equal(t, "3.99", active.Price)
}

func TestMergeNoChangeNoVersion(t *testing.T) {
	w := newTestWarehouse(t)
	d1, d2 := day(t, "2026-01-01"), day(t, "2026-01-02")

	stageAndMerge(t, w, d1, record(10, "5.99", d1))
	stats := stageAndMerge(t, w, d2, record(10, "5.99", d2))
	assert.Equal(t, int64(0), stats.Closed)
	assert.Equal(t, int64(0), stats.Inserted)

	history, err := w.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMergeNameChangeIsNotAVersion(t *testing.T) {
	w := newTestWarehouse(t)
	d1, d2 := day(t, "2026-01-01"), day(t, "2026-01-02")

	stageAndMerge(t, w, d1, record(10, "5.99", d1))

	renamed := record(10, "5.99", d2)
	renamed.Name = "APP"
	renamed.Owners = "20,000  ..  50,000" // raw text differs, bounds identical
	stats := stageAndMerge(t, w, d2, renamed)
	assert.Equal(t, int64(0), stats.Closed)
	assert.Equal(t, int64(0), stats.Inserted)
}

func TestMergeSameDayRerunIdempotent(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()
	d1, d2 := day(t, "2026-01-01"), day(t, "2026-01-02")

	stageAndMerge(t, w, d1, record(10, "5.99", d1))
	stageAndMerge(t, w, d2, record(10, "3.99", d2))

	// Rerun the same batch for the same date.
	stats, err := w.Merge(ctx, d2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Closed)
	assert.Equal(t, int64(0), stats.Inserted)

	history, err := w.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	require.NoError(t, w.VerifyIntegrity(ctx))
}

func TestMergeSameDayRestagedDataStaysConsistent(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()
	d1 := day(t, "2026-01-01")

	stageAndMerge(t, w, d1, record(10, "5.99", d1))

	// A fixed fetch re-stages different data for the same date. The
	// version opened today is never closed by its own date.
	stageAndMerge(t, w, d1, record(10, "3.99", d1))

	history, err := w.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.True(t, history[0].IsActive)
}

func TestMergeDisappearedKeyStaysActive(t *testing.T) {
	w := newTestWarehouse(t)
	d1, d2 := day(t, "2026-01-01"), day(t, "2026-01-02")

	stageAndMerge(t, w, d1, record(10, "5.99", d1), record(20, "0", d1))
	// Only appid 10 appears in the next batch; absence is not removal.
	stageAndMerge(t, w, d2, record(10, "5.99", d2))

	active, err := w.ActiveRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestLoadStagingRestageReplaces(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()
	d1 := day(t, "2026-01-01")

	n, err := w.LoadStaging(ctx, &model.StagedBatch{RunDate: d1, Records: []model.CanonicalRecord{record(10, "5.99", d1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Same key and date replaces, not duplicates.
	n, err = w.LoadStaging(ctx, &model.StagedBatch{RunDate: d1, Records: []model.CanonicalRecord{record(10, "3.99", d1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stageAndMerge(t, w, d1)
	history, err := w.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "3.99", history[0].Price)
}

func TestKnownAppIDs(t *testing.T) {
	w := newTestWarehouse(t)
	d1 := day(t, "2026-01-01")

	known, err := w.KnownAppIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, known)

	stageAndMerge(t, w, d1, record(10, "5.99", d1), record(20, "0", d1))

	known, err = w.KnownAppIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, known, int64(10))
	assert.Contains(t, known, int64(20))
}

func TestVerifyIntegrityDetectsDuplicateActive(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()
	d1 := day(t, "2026-01-01")

	stageAndMerge(t, w, d1, record(10, "5.99", d1))

	// Corrupt the table directly, bypassing the partial unique index by
	// dropping it first.
	_, err := w.db.ExecContext(ctx, "DROP INDEX idx_historical_apps_active")
	require.NoError(t, err)
	_, err = w.db.ExecContext(ctx, `
		INSERT INTO historical_apps (appid, name, load_date, valid_from, is_active)
		VALUES (10, 'App', '2026-01-02', '2026-01-02', 1)`)
	require.NoError(t, err)

	err = w.VerifyIntegrity(ctx)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrIntegrity))

	// A merge against a corrupt table must refuse to run.
	_, err = w.Merge(ctx, d1)
	require.Error(t, err)
}

func TestVerifyIntegrityDetectsWindowGap(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()

	// Closed at 01-02 but successor starts 01-05.
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO historical_apps (appid, name, load_date, valid_from, valid_to, is_active) VALUES
		(10, 'App', '2026-01-01', '2026-01-01', '2026-01-02', 0),
		(10, 'App', '2026-01-05', '2026-01-05', NULL, 1)`)
	require.NoError(t, err)

	err = w.VerifyIntegrity(ctx)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrIntegrity))
}

func TestRunLogLifecycle(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()
	d1 := day(t, "2026-01-01")

	run, err := w.StartRun(ctx, d1, model.LoadModeFull)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	result := &model.RunResult{
		Fetched:     10,
		FetchFailed: 1,
		Staged:      9,
		FetchFailures: []model.FetchFailure{
			{AppID: 999, Err: "steam: rate limited"},
		},
		Merge: &model.MergeStats{Inserted: 9},
	}
	require.NoError(t, w.CompleteRun(ctx, run.ID, result))

	failed, err := w.StartRun(ctx, d1, model.LoadModeIncremental)
	require.NoError(t, err)
	require.NoError(t, w.FailRun(ctx, failed.ID, "merge: integrity violation"))

	runs, err := w.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "merge: integrity violation", runs[0].Error)

	assert.Equal(t, model.RunStatusComplete, runs[1].Status)
	require.NotNil(t, runs[1].Result)
	assert.Equal(t, 10, runs[1].Result.Fetched)
	assert.Equal(t, int64(9), runs[1].Result.Merge.Inserted)
	require.Len(t, runs[1].Result.FetchFailures, 1)
	assert.Equal(t, int64(999), runs[1].Result.FetchFailures[0].AppID)
}

// TestMergeInvariantsRandomized drives several days of random mutations
// through the merger and checks the invariants after every merge.
func TestMergeInvariantsRandomized(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	appids := []int64{10, 20, 30, 40, 50}
	prices := []string{"0", "4.99", "9.99", "19.99"}
	start := day(t, "2026-01-01")

	for dayN := range 15 {
		runDate := start.AddDate(0, 0, dayN)

		var recs []model.CanonicalRecord
		for _, id := range appids {
			if rng.IntN(4) == 0 {
				continue // absent from this batch
			}
			recs = append(recs, record(id, prices[rng.IntN(len(prices))], runDate))
		}

		stageAndMerge(t, w, runDate, recs...)

		// At most one active row per key, windows contiguous.
		active, err := w.ActiveRecords(ctx)
		require.NoError(t, err)
		seen := map[int64]bool{}
		for _, rec := range active {
			require.False(t, seen[rec.AppID], "appid %d has multiple active rows", rec.AppID)
			seen[rec.AppID] = true
			require.Nil(t, rec.ValidTo)
		}
	}

	// Every key ever staged still has exactly one active version.
	active, err := w.ActiveRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, active, len(appids))
}
