package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mutelu/internal/domain"
	"mutelu/internal/storage/memory"
)

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "places.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"nameEN": "Erawan Shrine", "latitude": 13.7444, "longitude": 100.5405, "rating": 4.7},
		{"nameEN": "Erawan Shrine", "latitude": 13.7444, "longitude": 100.5405, "rating": 4.9},
		{"nameEN": "Wat Arun", "latitude": 13.7437, "longitude": 100.4889}
	]`), 0o600))

	got, err := LoadCatalogFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4.9, got[0].Rating)

	_, err = LoadCatalogFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestImportPlaces_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	places := samplePlaces()

	res, err := ImportPlaces(ctx, store, places, domain.Bangkok, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(len(places)), res.Upserted)

	_, err = ImportPlaces(ctx, store, places, domain.Bangkok, 3)
	require.NoError(t, err)

	got, err := store.ListPlaces(ctx)
	require.NoError(t, err)
	assert.Len(t, got, len(places))
}

type slowRepo struct {
	mu       sync.Mutex
	inFlight int32
	peak     int32
	fail     string
}

func (r *slowRepo) UpsertPlace(_ context.Context, p domain.Place) error {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	r.mu.Lock()
	if n > r.peak {
		r.peak = n
	}
	r.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	if p.ID == r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *slowRepo) ListPlaces(context.Context) ([]domain.Place, error) { return nil, nil }

func TestImportPlaces_BoundsWorkersAndCountsFailures(t *testing.T) {
	repo := &slowRepo{fail: "P2"}
	res, err := ImportPlaces(context.Background(), repo, samplePlaces(), domain.Bangkok, 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, repo.peak, int32(2))
	assert.Equal(t, int64(1), res.Failed)
	assert.Equal(t, int64(len(samplePlaces())-1), res.Upserted)
}

func TestImportPlaces_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ImportPlaces(ctx, &slowRepo{}, samplePlaces(), domain.Bangkok, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportPlaces_KeepsPlacesOutsideRegion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	places := []domain.Place{
		{ID: "arun", Name: domain.LocalizedText{EN: "Wat Arun"}, Coord: watArun},
		{ID: "erawan", Name: domain.LocalizedText{EN: "Erawan Shrine"}, Coord: erawan},
		{ID: "doi-suthep", Name: domain.LocalizedText{EN: "Wat Phra That Doi Suthep"}, Coord: chiangMai},
	}

	res, err := ImportPlaces(ctx, store, places, domain.Bangkok, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.OutsideRegion)
	assert.EqualValues(t, len(places), res.Upserted)

	got, err := store.ListPlaces(ctx)
	require.NoError(t, err)
	assert.Len(t, got, len(places))
}
