package domain

type TransportMode string

const (
	ModeDriving TransportMode = "driving"
	ModeWalking TransportMode = "walking"
)

func ParseMode(s string) TransportMode {
	if TransportMode(s) == ModeWalking {
		return ModeWalking
	}
	return ModeDriving
}

type Tier string

const (
	TierRouted         Tier = "routed"
	TierRoutedFallback Tier = "routed-fallback-mode"
	TierStraightLine   Tier = "straight-line"
	TierUnavailable    Tier = "unavailable"
)

// DistanceQuote is recomputed per request and never persisted.
// Meters is nil when the distance is unknown.
type DistanceQuote struct {
	PlaceID string   `json:"place_id"`
	Meters  *float64 `json:"meters"`
	Tier    Tier     `json:"tier"`
}
