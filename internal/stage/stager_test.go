package stage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcade-insights/catalog-cli/internal/model"
	"github.com/arcade-insights/catalog-cli/internal/steam"
)

// memStore is an in-memory ObjectStore.
type memStore struct {
	objects     map[string][]byte
	contentType map[string]string
	putErr      error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, contentType: map[string]string{}}
}

func (m *memStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = data
	m.contentType[key] = contentType
	return nil
}

func stagerRunDate(t *testing.T) time.Time {
	t.Helper()
	d, err := time.Parse(model.DateLayout, "2026-08-31")
	require.NoError(t, err)
	return d
}

func TestStagerKeys(t *testing.T) {
	s := NewStager(newMemStore(), "raw", "processed")
	d := stagerRunDate(t)
	assert.Equal(t, "raw/steam_apps_2026-08-31.ndjson", s.RawKey(d))
	assert.Equal(t, "processed/steam_apps_cleaned_2026-08-31.ndjson", s.BatchKey(d))
}

func TestStageRaw(t *testing.T) {
	store := newMemStore()
	s := NewStager(store, "raw", "processed")

	details := []*steam.AppDetails{
		{AppID: 10, Raw: json.RawMessage(`{"appid":10,"name":"a"}`)},
		{AppID: 20, Raw: json.RawMessage(`{"appid":20,"name":"b"}`)},
		{AppID: 30}, // no raw body, skipped
	}

	require.NoError(t, s.StageRaw(context.Background(), stagerRunDate(t), details))

	data, ok := store.objects["raw/steam_apps_2026-08-31.ndjson"]
	require.True(t, ok)
	assert.Equal(t, "application/x-ndjson", store.contentType["raw/steam_apps_2026-08-31.ndjson"])

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	assert.Len(t, lines, 2)
	assert.JSONEq(t, `{"appid":10,"name":"a"}`, string(lines[0]))
}

func TestStageBatch(t *testing.T) {
	store := newMemStore()
	s := NewStager(store, "raw", "processed")
	runDate := stagerRunDate(t)

	batch := &model.StagedBatch{
		RunDate: runDate,
		Records: []model.CanonicalRecord{
			{AppID: 10, Name: "a", Price: "5.99", LoadDate: runDate},
			{AppID: 20, Name: "b", Price: "0", LoadDate: runDate},
		},
	}

	require.NoError(t, s.StageBatch(context.Background(), batch))

	data, ok := store.objects["processed/steam_apps_cleaned_2026-08-31.ndjson"]
	require.True(t, ok)

	var count int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		assert.Equal(t, "2026-08-31", line["load_date"], "blob carries a plain date")
		count++
	}
	assert.Equal(t, 2, count)
}

func TestStageBatchStoreFailurePropagates(t *testing.T) {
	store := newMemStore()
	store.putErr = eris.New("connection refused")
	s := NewStager(store, "raw", "processed")

	batch := &model.StagedBatch{RunDate: stagerRunDate(t)}
	err := s.StageBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStageRawEmptyBatch(t *testing.T) {
	store := newMemStore()
	s := NewStager(store, "raw", "processed")

	require.NoError(t, s.StageRaw(context.Background(), stagerRunDate(t), nil))
	_, ok := store.objects["raw/steam_apps_2026-08-31.ndjson"]
	assert.True(t, ok, "empty runs still write the artifact")
}
