package app

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"mutelu/internal/adapters/observability"
	"mutelu/internal/domain"
)

// ErrSuperseded is returned when a newer batch for the same key cancelled
// the one in flight.
var ErrSuperseded = errors.New("distance batch superseded")

type ResolverConfig struct {
	Region            domain.Region
	Workers           int // concurrent provider lookups per batch
	MaxRouteMeters    float64
	MaxStraightMeters float64
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Region:            domain.Bangkok,
		Workers:           4,
		MaxRouteMeters:    1_000_000,
		MaxStraightMeters: 50_000,
	}
}

// Resolver bounds concurrency only; call spacing belongs to the provider,
// which sees every attempt including its own retries.
type Resolver struct {
	provider domain.RoutingProvider
	cfg      ResolverConfig
}

func NewResolver(p domain.RoutingProvider, cfg ResolverConfig) *Resolver {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Resolver{provider: p, cfg: cfg}
}

// BatchDistances resolves one quote per place using at most cfg.Workers
// concurrent lookups. If ctx is cancelled the remaining work is abandoned and
// ctx.Err() is returned instead of partial results.
func (r *Resolver) BatchDistances(ctx context.Context, origin domain.Coord, places []domain.Place, mode domain.TransportMode) ([]domain.DistanceQuote, error) {
	out := make([]domain.DistanceQuote, len(places))
	sem := semaphore.NewWeighted(int64(r.cfg.Workers))
	var wg sync.WaitGroup

	for i, p := range places {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, p domain.Place) {
			defer wg.Done()
			defer sem.Release(1)
			out[i] = r.resolve(ctx, origin, p, mode)
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, q := range out {
		observability.ObserveTier(string(q.Tier))
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, origin domain.Coord, p domain.Place, mode domain.TransportMode) domain.DistanceQuote {
	q := domain.DistanceQuote{PlaceID: p.ID, Tier: domain.TierUnavailable}
	if !r.cfg.Region.Contains(origin) || !r.cfg.Region.Contains(p.Coord) {
		log.Debug().Str("place", p.ID).Err(domain.ErrInvalidCoordinate).Msg("distance unavailable")
		return q
	}

	// same point: nothing to route
	if origin != p.Coord {
		if d, ok := r.route(ctx, origin, p.Coord, mode); ok {
			q.Meters, q.Tier = &d, domain.TierRouted
			return q
		}
		if mode != domain.ModeWalking {
			if d, ok := r.route(ctx, origin, p.Coord, domain.ModeWalking); ok {
				q.Meters, q.Tier = &d, domain.TierRoutedFallback
				return q
			}
		}
	}

	d := domain.GreatCircleMeters(origin, p.Coord)
	if !sane(d, r.cfg.MaxStraightMeters) {
		log.Warn().Str("place", p.ID).Float64("meters", d).Msg("unrealistic straight-line distance")
		return q
	}
	q.Meters, q.Tier = &d, domain.TierStraightLine
	return q
}

func (r *Resolver) route(ctx context.Context, origin, dest domain.Coord, mode domain.TransportMode) (float64, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	d, err := r.provider.Route(ctx, origin, dest, mode)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("mode", string(mode)).Msg("route lookup failed")
		}
		return 0, false
	}
	if !sane(d, r.cfg.MaxRouteMeters) {
		log.Warn().Float64("meters", d).Str("mode", string(mode)).Msg("abnormal route distance")
		return 0, false
	}
	return d, true
}

// sane accepts finite, non-negative values below ceiling.
func sane(d, ceiling float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0 && d < ceiling
}

// Dispatcher runs at most one batch per key; starting a new batch cancels the
// previous one so stale results never race fresher ones.
type Dispatcher struct {
	r        *Resolver
	mu       sync.Mutex
	seq      uint64
	inflight map[string]flight
}

type flight struct {
	seq    uint64
	cancel context.CancelFunc
}

func NewDispatcher(r *Resolver) *Dispatcher {
	return &Dispatcher{r: r, inflight: make(map[string]flight)}
}

func (d *Dispatcher) Resolve(ctx context.Context, key string, origin domain.Coord, places []domain.Place, mode domain.TransportMode) ([]domain.DistanceQuote, error) {
	if key == "" {
		return d.r.BatchDistances(ctx, origin, places, mode)
	}

	bctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.seq++
	seq := d.seq
	if prev, ok := d.inflight[key]; ok {
		prev.cancel()
	}
	d.inflight[key] = flight{seq: seq, cancel: cancel}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if f, ok := d.inflight[key]; ok && f.seq == seq {
			delete(d.inflight, key)
		}
		d.mu.Unlock()
		cancel()
	}()

	out, err := d.r.BatchDistances(bctx, origin, places, mode)
	if err != nil && ctx.Err() == nil {
		return nil, ErrSuperseded
	}
	return out, err
}
