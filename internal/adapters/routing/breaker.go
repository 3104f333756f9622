package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"mutelu/internal/adapters/observability"
	"mutelu/internal/domain"
)

type BreakerConfig struct {
	Name        string
	MaxFailures uint32        // consecutive failures before opening
	OpenFor     time.Duration // wait before a half-open probe
}

// Breaker stops calling the routing service after repeated failures, so the
// resolver falls straight through to great-circle distances.
type Breaker struct {
	next domain.RoutingProvider
	cb   *gobreaker.CircuitBreaker[float64]
}

func NewBreaker(next domain.RoutingProvider, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "osrm"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	observability.SetCircuitState(cfg.Name, stateToFloat(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		// a missing route or a cancelled caller says nothing about service health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNoRoute) ||
				errors.Is(err, ErrBadRequest) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			observability.SetCircuitState(name, stateToFloat(to))
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Route(ctx context.Context, origin, dest domain.Coord, mode domain.TransportMode) (float64, error) {
	d, err := b.cb.Execute(func() (float64, error) {
		return b.next.Route(ctx, origin, dest, mode)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return d, err
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
