package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcade-insights/catalog-cli/internal/db"
	"github.com/arcade-insights/catalog-cli/internal/model"
)

// mergeLockKey serializes merges within one database. The scheduler's
// single-active-run policy is the real guarantee; the advisory lock only
// turns an accidental overlapping run into a wait instead of a race.
const mergeLockKey = 7243001

// PostgresWarehouse implements Warehouse against the catalog schema.
type PostgresWarehouse struct {
	pool db.Pool
}

// NewPostgres connects to the given DSN and pings it.
func NewPostgres(ctx context.Context, dsn string) (*PostgresWarehouse, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "warehouse: ping database")
	}
	return &PostgresWarehouse{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresWarehouse {
	return &PostgresWarehouse{pool: pool}
}

// Close releases the connection pool.
func (w *PostgresWarehouse) Close() error {
	w.pool.Close()
	return nil
}

// LoadStaging upserts the batch into catalog.staging_apps keyed by
// (appid, load_date), so re-staging the same run date cannot duplicate
// rows. The upsert runs in one transaction; a partial batch is never
// visible to the merger.
func (w *PostgresWarehouse) LoadStaging(ctx context.Context, batch *model.StagedBatch) (int64, error) {
	rows := make([][]any, 0, len(batch.Records))
	for _, rec := range batch.Records {
		rows = append(rows, stagingRow(rec,
			func(set []string) any { return set },
			func(t time.Time) any { return t },
		))
	}

	n, err := db.BulkUpsert(ctx, w.pool, db.UpsertConfig{
		Table:        "catalog.staging_apps",
		Columns:      stagingColumns,
		ConflictKeys: []string{"appid", "load_date"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: load staging")
	}
	return n, nil
}

// KnownAppIDs returns every appid with at least one historical version.
func (w *PostgresWarehouse) KnownAppIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT appid FROM catalog.historical_apps`)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: query known appids")
	}
	defer rows.Close()

	known := make(map[int64]struct{})
	for rows.Next() {
		var appid int64
		if err := rows.Scan(&appid); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan appid")
		}
		known[appid] = struct{}{}
	}
	return known, rows.Err()
}

// trackedDiffSQL builds the change-detection predicate between the
// historical alias h and the staging alias s. IS DISTINCT FROM keeps the
// comparison null-safe.
func trackedDiffSQL() string {
	clauses := make([]string, len(trackedColumns))
	for i, col := range trackedColumns {
		clauses[i] = fmt.Sprintf("h.%s IS DISTINCT FROM s.%s", col, col)
	}
	return strings.Join(clauses, " OR ")
}

// Merge applies the per-key SCD2 state machine set-wise:
//
//   - first sighting: insert an open active version
//   - tracked attributes changed: close the active version at runDate,
//     insert a replacement
//   - unchanged: no-op
//   - key absent from the batch: no action; absence is not removal
//
// The valid_from < load_date guard makes same-day reruns no-ops: a
// version inserted earlier in the day is never closed by its own batch.
func (w *PostgresWarehouse) Merge(ctx context.Context, runDate time.Time) (*model.MergeStats, error) {
	log := zap.L().With(zap.String("component", "warehouse.merge"))

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: begin merge tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Transaction-scoped advisory lock: released at commit or rollback on
	// the same connection, never stranded on a pooled one.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", mergeLockKey); err != nil {
		return nil, eris.Wrap(err, "warehouse: acquire merge lock")
	}

	if err := verifyIntegrity(ctx, tx); err != nil {
		return nil, err
	}

	closeSQL := fmt.Sprintf(`
		UPDATE catalog.historical_apps h
		SET valid_to = s.load_date, is_active = FALSE
		FROM catalog.staging_apps s
		WHERE h.appid = s.appid
		  AND h.is_active
		  AND s.load_date = $1
		  AND h.valid_from < s.load_date
		  AND (%s)`, trackedDiffSQL())

	closed, err := tx.Exec(ctx, closeSQL, runDate)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: close superseded versions")
	}

	insertCols := strings.Join(stagingColumns[:len(stagingColumns)-1], ", ") // all but load_date
	selectCols := "s." + strings.Join(stagingColumns[:len(stagingColumns)-1], ", s.")
	insertSQL := fmt.Sprintf(`
		INSERT INTO catalog.historical_apps (%s, load_date, valid_from, valid_to, is_active)
		SELECT %s, s.load_date, s.load_date, NULL, TRUE
		FROM catalog.staging_apps s
		WHERE s.load_date = $1
		  AND NOT EXISTS (
			SELECT 1 FROM catalog.historical_apps h
			WHERE h.appid = s.appid AND h.is_active
		  )`, insertCols, selectCols)

	inserted, err := tx.Exec(ctx, insertSQL, runDate)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: insert new versions")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "warehouse: commit merge")
	}

	stats := &model.MergeStats{
		Closed:   closed.RowsAffected(),
		Inserted: inserted.RowsAffected(),
	}
	log.Info("merge complete",
		zap.String("run_date", runDate.Format(model.DateLayout)),
		zap.Int64("closed", stats.Closed),
		zap.Int64("inserted", stats.Inserted),
	)
	return stats, nil
}

// VerifyIntegrity checks the SCD2 invariants before a merge touches the
// table. Violations surface as ErrIntegrity and are never repaired here:
// guessing which row is correct would silently corrupt history.
func (w *PostgresWarehouse) VerifyIntegrity(ctx context.Context) error {
	return verifyIntegrity(ctx, w.pool)
}

// pgQuerier is the query surface shared by the pool and an open
// transaction, so the merge can verify under its own lock.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func verifyIntegrity(ctx context.Context, q pgQuerier) error {
	dup, err := collectAppIDs(ctx, q, `
		SELECT appid FROM catalog.historical_apps
		WHERE is_active GROUP BY appid HAVING count(*) > 1 LIMIT 20`)
	if err != nil {
		return eris.Wrap(err, "warehouse: check active duplicates")
	}
	if len(dup) > 0 {
		return eris.Wrapf(ErrIntegrity, "multiple active rows for appids %v", dup)
	}

	gaps, err := collectAppIDs(ctx, q, `
		SELECT DISTINCT appid FROM (
			SELECT appid, valid_to,
			       lead(valid_from) OVER (PARTITION BY appid ORDER BY valid_from) AS next_from
			FROM catalog.historical_apps
		) t
		WHERE next_from IS NOT NULL
		  AND (valid_to IS NULL OR valid_to <> next_from)
		LIMIT 20`)
	if err != nil {
		return eris.Wrap(err, "warehouse: check validity windows")
	}
	if len(gaps) > 0 {
		return eris.Wrapf(ErrIntegrity, "non-contiguous validity windows for appids %v", gaps)
	}

	return nil
}

func collectAppIDs(ctx context.Context, q pgQuerier, sql string) ([]int64, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// historicalSelect lists the historical columns in scan order, casting
// the decimal columns to text so prices stay exact strings in Go.
const historicalSelect = `
	appid, name, genres, tags, languages,
	developer, publisher, score_rank,
	positive, negative, owners, min_owners, max_owners,
	average_forever, average_2weeks, median_forever, median_2weeks,
	ccu, price::text, initial_price::text, discount::text,
	load_date, valid_from, valid_to, is_active`

// ActiveRecords returns the current active version for every key.
func (w *PostgresWarehouse) ActiveRecords(ctx context.Context) ([]model.HistoricalRecord, error) {
	return w.queryHistorical(ctx,
		`SELECT `+historicalSelect+` FROM catalog.historical_apps WHERE is_active ORDER BY appid`)
}

// History returns all versions for one key ordered by valid_from.
func (w *PostgresWarehouse) History(ctx context.Context, appid int64) ([]model.HistoricalRecord, error) {
	return w.queryHistorical(ctx,
		`SELECT `+historicalSelect+` FROM catalog.historical_apps WHERE appid = $1 ORDER BY valid_from`, appid)
}

func (w *PostgresWarehouse) queryHistorical(ctx context.Context, sql string, args ...any) ([]model.HistoricalRecord, error) {
	rows, err := w.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: query historical")
	}
	defer rows.Close()

	var records []model.HistoricalRecord
	for rows.Next() {
		var rec model.HistoricalRecord
		if err := rows.Scan(
			&rec.AppID, &rec.Name, &rec.Genres, &rec.Tags, &rec.Languages,
			&rec.Developer, &rec.Publisher, &rec.ScoreRank,
			&rec.Positive, &rec.Negative, &rec.Owners, &rec.MinOwners, &rec.MaxOwners,
			&rec.AverageForever, &rec.Average2Weeks, &rec.MedianForever, &rec.Median2Weeks,
			&rec.CCU, &rec.Price, &rec.InitialPrice, &rec.Discount,
			&rec.LoadDate, &rec.ValidFrom, &rec.ValidTo, &rec.IsActive,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan historical row")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// StartRun records the beginning of a pipeline run.
func (w *PostgresWarehouse) StartRun(ctx context.Context, runDate time.Time, mode model.LoadMode) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.NewString(),
		RunDate:   runDate,
		Mode:      mode,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	if _, err := w.pool.Exec(ctx, `
		INSERT INTO catalog.run_log (id, run_date, mode, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.RunDate, string(run.Mode), string(run.Status), run.StartedAt,
	); err != nil {
		return nil, eris.Wrap(err, "warehouse: start run")
	}
	return run, nil
}

// CompleteRun marks a run as successfully completed with its result.
func (w *PostgresWarehouse) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "warehouse: marshal run result")
	}

	if _, err := w.pool.Exec(ctx, `
		UPDATE catalog.run_log
		SET status = $1, result = $2, completed_at = now()
		WHERE id = $3`,
		string(model.RunStatusComplete), resultJSON, runID,
	); err != nil {
		return eris.Wrapf(err, "warehouse: complete run %s", runID)
	}
	return nil
}

// FailRun marks a run as failed with an error message.
func (w *PostgresWarehouse) FailRun(ctx context.Context, runID string, errMsg string) error {
	if _, err := w.pool.Exec(ctx, `
		UPDATE catalog.run_log
		SET status = $1, error = $2, completed_at = now()
		WHERE id = $3`,
		string(model.RunStatusFailed), errMsg, runID,
	); err != nil {
		return eris.Wrapf(err, "warehouse: fail run %s", runID)
	}
	return nil
}

// ListRuns returns recent runs, newest first.
func (w *PostgresWarehouse) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := w.pool.Query(ctx, `
		SELECT id, run_date, mode, status, result, error, started_at, completed_at
		FROM catalog.run_log
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var run model.Run
		var mode, status string
		var resultJSON []byte
		var errMsg *string
		if err := rows.Scan(&run.ID, &run.RunDate, &mode, &status, &resultJSON, &errMsg, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan run")
		}
		run.Mode = model.LoadMode(mode)
		run.Status = model.RunStatus(status)
		if errMsg != nil {
			run.Error = *errMsg
		}
		if len(resultJSON) > 0 {
			_ = json.Unmarshal(resultJSON, &run.Result)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

var _ Warehouse = (*PostgresWarehouse)(nil)
