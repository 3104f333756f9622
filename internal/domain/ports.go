package domain

import (
	"context"
	"time"
)

type PlaceRepository interface {
	UpsertPlace(ctx context.Context, p Place) error
	ListPlaces(ctx context.Context) ([]Place, error)
}

type InteractionRepository interface {
	// RecordInteraction appends ev and adds ev.Points() to every (user, tag)
	// score in one atomic step.
	RecordInteraction(ctx context.Context, ev InteractionEvent) error
	TagScores(ctx context.Context, userID string) ([]TagAffinity, error)
	PurgeInteractionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// RebuildTagScores recomputes every score from the retained events.
	RebuildTagScores(ctx context.Context) error
}

type CheckInRepository interface {
	// InsertCheckInIfEligible persists rec unless the same (user, place) has a
	// check-in at or after notBefore. Check and insert are one atomic step.
	InsertCheckInIfEligible(ctx context.Context, rec CheckInRecord, notBefore time.Time) (bool, error)
	LastCheckIn(ctx context.Context, userID, placeID string) (*CheckInRecord, error)
	GetCheckIn(ctx context.Context, id string) (CheckInRecord, error)
	UpdateCheckInTimestamp(ctx context.Context, id string, ts time.Time) error
	ListCheckIns(ctx context.Context, userID string) ([]CheckInRecord, error)
}

type Store interface {
	PlaceRepository
	InteractionRepository
	CheckInRepository
}

// RoutingProvider returns the routed distance in meters.
type RoutingProvider interface {
	Route(ctx context.Context, origin, dest Coord, mode TransportMode) (float64, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// EventSink receives interaction events emitted by the check-in ledger and the
// interaction endpoint.
type EventSink interface {
	Emit(ctx context.Context, ev InteractionEvent) error
}
