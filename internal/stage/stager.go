package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcade-insights/catalog-cli/internal/model"
	"github.com/arcade-insights/catalog-cli/internal/steam"
)

// Stager uploads one run's artifacts, keyed by run date: an untransformed
// raw blob for debugging and the processed staged batch for the merge
// step. A merge retry can re-run against the same staged batch without
// re-fetching.
type Stager struct {
	store           ObjectStore
	rawPrefix       string
	processedPrefix string
}

// NewStager creates a Stager writing under the given key prefixes.
func NewStager(store ObjectStore, rawPrefix, processedPrefix string) *Stager {
	if rawPrefix == "" {
		rawPrefix = "raw"
	}
	if processedPrefix == "" {
		processedPrefix = "processed"
	}
	return &Stager{store: store, rawPrefix: rawPrefix, processedPrefix: processedPrefix}
}

// RawKey returns the object key for a run date's raw blob.
func (s *Stager) RawKey(runDate time.Time) string {
	return fmt.Sprintf("%s/steam_apps_%s.ndjson", s.rawPrefix, runDate.Format(model.DateLayout))
}

// BatchKey returns the object key for a run date's processed batch.
func (s *Stager) BatchKey(runDate time.Time) string {
	return fmt.Sprintf("%s/steam_apps_cleaned_%s.ndjson", s.processedPrefix, runDate.Format(model.DateLayout))
}

// StageRaw uploads the unmodified detail responses as one NDJSON object.
func (s *Stager) StageRaw(ctx context.Context, runDate time.Time, details []*steam.AppDetails) error {
	var buf bytes.Buffer
	for _, d := range details {
		if len(d.Raw) == 0 {
			continue
		}
		buf.Write(bytes.TrimSpace(d.Raw))
		buf.WriteByte('\n')
	}

	key := s.RawKey(runDate)
	if err := s.store.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return eris.Wrapf(err, "stage: raw blob %s", key)
	}

	zap.L().Info("staged raw blob", zap.String("key", key), zap.Int("records", len(details)))
	return nil
}

// stagedLine shadows LoadDate so the blob carries a plain date, matching
// the staging table's DATE column.
type stagedLine struct {
	model.CanonicalRecord
	LoadDate string `json:"load_date"`
}

// StageBatch uploads the transformed batch as one NDJSON object. The
// object write is atomic, so the merger can never observe a half-written
// batch.
func (s *Stager) StageBatch(ctx context.Context, batch *model.StagedBatch) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch.Records {
		line := stagedLine{
			CanonicalRecord: rec,
			LoadDate:        rec.LoadDate.Format(model.DateLayout),
		}
		if err := enc.Encode(line); err != nil {
			return eris.Wrapf(err, "stage: encode appid %d", rec.AppID)
		}
	}

	key := s.BatchKey(batch.RunDate)
	if err := s.store.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return eris.Wrapf(err, "stage: processed blob %s", key)
	}

	zap.L().Info("staged processed batch", zap.String("key", key), zap.Int("records", len(batch.Records)))
	return nil
}
