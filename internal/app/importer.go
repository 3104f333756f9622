package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"mutelu/internal/domain"
)

// LoadCatalogFile decodes the catalog at path. Duplicate IDs collapse the
// same way NewCatalog collapses them.
func LoadCatalogFile(path string) ([]domain.Place, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	places, err := DecodeCatalog(f)
	if err != nil {
		return nil, err
	}
	return NewCatalog(places).All(), nil
}

type ImportResult struct {
	Upserted      int64
	Failed        int64
	OutsideRegion int64 // imported anyway; their distances resolve unavailable
}

// ImportPlaces upserts places with at most workers concurrent writes. Place IDs
// are derived from name and coordinates, so running it twice is harmless.
// Places outside region are still imported, with a warning.
func ImportPlaces(ctx context.Context, repo domain.PlaceRepository, places []domain.Place, region domain.Region, workers int) (ImportResult, error) {
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	var (
		wg  sync.WaitGroup
		res ImportResult
	)
	for _, p := range places {
		if !region.Contains(p.Coord) {
			res.OutsideRegion++
			log.Warn().
				Str("id", p.ID).
				Str("name", p.Name.EN).
				Float64("lat", p.Coord.Lat).
				Float64("lon", p.Coord.Lon).
				Msg("place is outside the operating region")
		}
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return res, fmt.Errorf("import interrupted: %w", err)
		}
		wg.Add(1)
		go func(p domain.Place) {
			defer wg.Done()
			defer sem.Release(1)

			if err := repo.UpsertPlace(ctx, p); err != nil {
				atomic.AddInt64(&res.Failed, 1)
				log.Warn().Str("id", p.ID).Err(err).Msg("place upsert failed")
				return
			}
			atomic.AddInt64(&res.Upserted, 1)
		}(p)
	}
	wg.Wait()
	return res, nil
}
