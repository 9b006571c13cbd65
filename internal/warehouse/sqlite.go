package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/arcade-insights/catalog-cli/internal/model"
)

// SQLiteWarehouse implements Warehouse using modernc.org/sqlite, for
// local development and tests. Dates are stored as ISO-8601 text, set
// columns as canonical JSON, prices as exact decimal strings.
type SQLiteWarehouse struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteWarehouse, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "warehouse: sqlite exec %s", pragma)
		}
	}
	return &SQLiteWarehouse{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS staging_apps (
	appid            INTEGER NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	genres           TEXT NOT NULL DEFAULT 'null',
	tags             TEXT NOT NULL DEFAULT 'null',
	languages        TEXT NOT NULL DEFAULT 'null',
	developer        TEXT NOT NULL DEFAULT 'Unknown',
	publisher        TEXT NOT NULL DEFAULT 'Unknown',
	score_rank       TEXT NOT NULL DEFAULT 'N/A',
	positive         INTEGER NOT NULL DEFAULT 0,
	negative         INTEGER NOT NULL DEFAULT 0,
	owners           TEXT NOT NULL DEFAULT '',
	min_owners       INTEGER NOT NULL DEFAULT 0,
	max_owners       INTEGER NOT NULL DEFAULT 0,
	average_forever  INTEGER NOT NULL DEFAULT 0,
	average_2weeks   INTEGER NOT NULL DEFAULT 0,
	median_forever   INTEGER NOT NULL DEFAULT 0,
	median_2weeks    INTEGER NOT NULL DEFAULT 0,
	ccu              INTEGER NOT NULL DEFAULT 0,
	price            TEXT NOT NULL DEFAULT '0',
	initial_price    TEXT NOT NULL DEFAULT '0',
	discount         TEXT NOT NULL DEFAULT '0',
	load_date        TEXT NOT NULL,
	PRIMARY KEY (appid, load_date)
);

CREATE TABLE IF NOT EXISTS historical_apps (
	appid            INTEGER NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	genres           TEXT NOT NULL DEFAULT 'null',
	tags             TEXT NOT NULL DEFAULT 'null',
	languages        TEXT NOT NULL DEFAULT 'null',
	developer        TEXT NOT NULL DEFAULT 'Unknown',
	publisher        TEXT NOT NULL DEFAULT 'Unknown',
	score_rank       TEXT NOT NULL DEFAULT 'N/A',
	positive         INTEGER NOT NULL DEFAULT 0,
	negative         INTEGER NOT NULL DEFAULT 0,
	owners           TEXT NOT NULL DEFAULT '',
	min_owners       INTEGER NOT NULL DEFAULT 0,
	max_owners       INTEGER NOT NULL DEFAULT 0,
	average_forever  INTEGER NOT NULL DEFAULT 0,
	average_2weeks   INTEGER NOT NULL DEFAULT 0,
	median_forever   INTEGER NOT NULL DEFAULT 0,
	median_2weeks    INTEGER NOT NULL DEFAULT 0,
	ccu              INTEGER NOT NULL DEFAULT 0,
	price            TEXT NOT NULL DEFAULT '0',
	initial_price    TEXT NOT NULL DEFAULT '0',
	discount         TEXT NOT NULL DEFAULT '0',
	load_date        TEXT NOT NULL,
	valid_from       TEXT NOT NULL,
	valid_to         TEXT,
	is_active        INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_historical_apps_appid
	ON historical_apps (appid);
CREATE UNIQUE INDEX IF NOT EXISTS idx_historical_apps_active
	ON historical_apps (appid) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS run_log (
	id           TEXT PRIMARY KEY,
	run_date     TEXT NOT NULL,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT,
	error        TEXT,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);
`

// Migrate creates the schema if needed.
func (w *SQLiteWarehouse) Migrate(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "warehouse: sqlite migrate")
	}
	return nil
}

// Close closes the database.
func (w *SQLiteWarehouse) Close() error {
	return w.db.Close()
}

func encodeSet(set []string) any {
	data, _ := json.Marshal(set)
	return string(data)
}

func decodeSet(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func sqliteDate(t time.Time) any {
	return t.Format(model.DateLayout)
}

// LoadStaging upserts the batch keyed by (appid, load_date) in one
// transaction.
func (w *SQLiteWarehouse) LoadStaging(ctx context.Context, batch *model.StagedBatch) (int64, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: sqlite begin staging tx")
	}
	defer tx.Rollback() //nolint:errcheck

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stagingColumns)), ",")
	insertSQL := fmt.Sprintf(
		"INSERT OR REPLACE INTO staging_apps (%s) VALUES (%s)",
		strings.Join(stagingColumns, ", "), placeholders,
	)

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: sqlite prepare staging insert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, rec := range batch.Records {
		if _, err := stmt.ExecContext(ctx, stagingRow(rec, encodeSet, sqliteDate)...); err != nil {
			return 0, eris.Wrapf(err, "warehouse: sqlite stage appid %d", rec.AppID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "warehouse: sqlite commit staging tx")
	}
	return n, nil
}

// KnownAppIDs returns every appid with at least one historical version.
func (w *SQLiteWarehouse) KnownAppIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := w.db.QueryContext(ctx, "SELECT DISTINCT appid FROM historical_apps")
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite query known appids")
	}
	defer rows.Close()

	known := make(map[int64]struct{})
	for rows.Next() {
		var appid int64
		if err := rows.Scan(&appid); err != nil {
			return nil, eris.Wrap(err, "warehouse: sqlite scan appid")
		}
		known[appid] = struct{}{}
	}
	return known, rows.Err()
}

// Merge applies the same per-key state machine as the Postgres backend.
// SQLite has no advisory locks; the single-writer connection and the
// scheduler's single-active-run policy serialize merges.
func (w *SQLiteWarehouse) Merge(ctx context.Context, runDate time.Time) (*model.MergeStats, error) {
	if err := w.VerifyIntegrity(ctx); err != nil {
		return nil, err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite begin merge tx")
	}
	defer tx.Rollback() //nolint:errcheck

	date := runDate.Format(model.DateLayout)

	diffs := make([]string, len(trackedColumns))
	for i, col := range trackedColumns {
		diffs[i] = fmt.Sprintf("h.%s <> s.%s", col, col)
	}

	closeSQL := fmt.Sprintf(`
		UPDATE historical_apps AS h
		SET valid_to = s.load_date, is_active = 0
		FROM staging_apps AS s
		WHERE h.appid = s.appid
		  AND h.is_active = 1
		  AND s.load_date = ?
		  AND h.valid_from < s.load_date
		  AND (%s)`, strings.Join(diffs, " OR "))

	closeRes, err := tx.ExecContext(ctx, closeSQL, date)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite close superseded versions")
	}

	insertCols := strings.Join(stagingColumns[:len(stagingColumns)-1], ", ")
	selectCols := "s." + strings.Join(stagingColumns[:len(stagingColumns)-1], ", s.")
	insertSQL := fmt.Sprintf(`
		INSERT INTO historical_apps (%s, load_date, valid_from, valid_to, is_active)
		SELECT %s, s.load_date, s.load_date, NULL, 1
		FROM staging_apps s
		WHERE s.load_date = ?
		  AND NOT EXISTS (
			SELECT 1 FROM historical_apps h
			WHERE h.appid = s.appid AND h.is_active = 1
		  )`, insertCols, selectCols)

	insertRes, err := tx.ExecContext(ctx, insertSQL, date)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite insert new versions")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite commit merge")
	}

	closed, _ := closeRes.RowsAffected()
	inserted, _ := insertRes.RowsAffected()

	zap.L().Info("merge complete",
		zap.String("run_date", date),
		zap.Int64("closed", closed),
		zap.Int64("inserted", inserted),
	)
	return &model.MergeStats{Closed: closed, Inserted: inserted}, nil
}

// VerifyIntegrity checks the SCD2 invariants. Violations are fatal and
// never repaired here.
func (w *SQLiteWarehouse) VerifyIntegrity(ctx context.Context) error {
	dup, err := w.collectAppIDs(ctx, `
		SELECT appid FROM historical_apps
		WHERE is_active = 1 GROUP BY appid HAVING count(*) > 1 LIMIT 20`)
	if err != nil {
		return eris.Wrap(err, "warehouse: sqlite check active duplicates")
	}
	if len(dup) > 0 {
		return eris.Wrapf(ErrIntegrity, "multiple active rows for appids %v", dup)
	}

	gaps, err := w.collectAppIDs(ctx, `
		SELECT DISTINCT appid FROM (
			SELECT appid, valid_to,
			       lead(valid_from) OVER (PARTITION BY appid ORDER BY valid_from) AS next_from
			FROM historical_apps
		)
		WHERE next_from IS NOT NULL
		  AND (valid_to IS NULL OR valid_to <> next_from)
		LIMIT 20`)
	if err != nil {
		return eris.Wrap(err, "warehouse: sqlite check validity windows")
	}
	if len(gaps) > 0 {
		return eris.Wrapf(ErrIntegrity, "non-contiguous validity windows for appids %v", gaps)
	}

	return nil
}

func (w *SQLiteWarehouse) collectAppIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := w.db.QueryContext(ctx, query)
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

const sqliteHistoricalSelect = `
	appid, name, genres, tags, languages,
	developer, publisher, score_rank,
	positive, negative, owners, min_owners, max_owners,
	average_forever, average_2weeks, median_forever, median_2weeks,
	ccu, price, initial_price, discount,
	load_date, valid_from, valid_to, is_active`

// ActiveRecords returns the current active version for every key.
func (w *SQLiteWarehouse) ActiveRecords(ctx context.Context) ([]model.HistoricalRecord, error) {
	return w.queryHistorical(ctx,
		"SELECT "+sqliteHistoricalSelect+" FROM historical_apps WHERE is_active = 1 ORDER BY appid")
}

// History returns all versions for one key ordered by valid_from.
func (w *SQLiteWarehouse) History(ctx context.Context, appid int64) ([]model.HistoricalRecord, error) {
	return w.queryHistorical(ctx,
		"SELECT "+sqliteHistoricalSelect+" FROM historical_apps WHERE appid = ? ORDER BY valid_from", appid)
}

func (w *SQLiteWarehouse) queryHistorical(ctx context.Context, query string, args ...any) ([]model.HistoricalRecord, error) {
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite query historical")
	}
	defer rows.Close()

	var records []model.HistoricalRecord
	for rows.Next() {
		var rec model.HistoricalRecord
		var genres, tags, languages string
		var loadDate, validFrom string
		var validTo *string
		if err := rows.Scan(
			&rec.AppID, &rec.Name, &genres, &tags, &languages,
			&rec.Developer, &rec.Publisher, &rec.ScoreRank,
			&rec.Positive, &rec.Negative, &rec.Owners, &rec.MinOwners, &rec.MaxOwners,
			&rec.AverageForever, &rec.Average2Weeks, &rec.MedianForever, &rec.Median2Weeks,
			&rec.CCU, &rec.Price, &rec.InitialPrice, &rec.Discount,
			&loadDate, &validFrom, &validTo, &rec.IsActive,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: sqlite scan historical row")
		}

		rec.Genres = decodeSet(genres)
		rec.Tags = decodeSet(tags)
		rec.Languages = decodeSet(languages)
		if rec.LoadDate, err = time.Parse(model.DateLayout, loadDate); err != nil {
			return nil, eris.Wrapf(err, "warehouse: sqlite parse load_date %q", loadDate)
		}
		if rec.ValidFrom, err = time.Parse(model.DateLayout, validFrom); err != nil {
			return nil, eris.Wrapf(err, "warehouse: sqlite parse valid_from %q", validFrom)
		}
		if validTo != nil {
			t, err := time.Parse(model.DateLayout, *validTo)
			if err != nil {
				return nil, eris.Wrapf(err, "warehouse: sqlite parse valid_to %q", *validTo)
			}
			rec.ValidTo = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// StartRun records the beginning of a pipeline run.
func (w *SQLiteWarehouse) StartRun(ctx context.Context, runDate time.Time, mode model.LoadMode) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.NewString(),
		RunDate:   runDate,
		Mode:      mode,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	if _, err := w.db.ExecContext(ctx, `
		INSERT INTO run_log (id, run_date, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.RunDate.Format(model.DateLayout), string(run.Mode),
		string(run.Status), run.StartedAt.Format(time.RFC3339),
	); err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite start run")
	}
	return run, nil
}

// CompleteRun marks a run as successfully completed with its result.
func (w *SQLiteWarehouse) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "warehouse: marshal run result")
	}

	if _, err := w.db.ExecContext(ctx, `
		UPDATE run_log SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusComplete), string(resultJSON),
		time.Now().UTC().Format(time.RFC3339), runID,
	); err != nil {
		return eris.Wrapf(err, "warehouse: sqlite complete run %s", runID)
	}
	return nil
}

// FailRun marks a run as failed with an error message.
func (w *SQLiteWarehouse) FailRun(ctx context.Context, runID string, errMsg string) error {
	if _, err := w.db.ExecContext(ctx, `
		UPDATE run_log SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), errMsg,
		time.Now().UTC().Format(time.RFC3339), runID,
	); err != nil {
		return eris.Wrapf(err, "warehouse: sqlite fail run %s", runID)
	}
	return nil
}

// ListRuns returns recent runs, newest first.
func (w *SQLiteWarehouse) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := w.db.QueryContext(ctx, `
		SELECT id, run_date, mode, status, result, error, started_at, completed_at
		FROM run_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: sqlite list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var run model.Run
		var mode, status, runDate, startedAt string
		var resultJSON, errMsg, completedAt *string
		if err := rows.Scan(&run.ID, &runDate, &mode, &status, &resultJSON, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "warehouse: sqlite scan run")
		}
		run.Mode = model.LoadMode(mode)
		run.Status = model.RunStatus(status)
		if run.RunDate, err = time.Parse(model.DateLayout, runDate); err != nil {
			return nil, eris.Wrapf(err, "warehouse: sqlite parse run_date %q", runDate)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, eris.Wrapf(err, "warehouse: sqlite parse started_at %q", startedAt)
		}
		if completedAt != nil {
			t, err := time.Parse(time.RFC3339, *completedAt)
			if err != nil {
				return nil, eris.Wrapf(err, "warehouse: sqlite parse completed_at %q", *completedAt)
			}
			run.CompletedAt = &t
		}
		if errMsg != nil {
			run.Error = *errMsg
		}
		if resultJSON != nil {
			_ = json.Unmarshal([]byte(*resultJSON), &run.Result)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

var _ Warehouse = (*SQLiteWarehouse)(nil)
