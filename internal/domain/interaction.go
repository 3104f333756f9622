package domain

import (
	"math"
	"time"
)

type InteractionKind string

const (
	KindView    InteractionKind = "view"
	KindMapOpen InteractionKind = "map_open"
	KindCheckIn InteractionKind = "check_in"
)

var kindWeights = map[InteractionKind]float64{
	KindView:    0.3,
	KindMapOpen: 0.5,
	KindCheckIn: 1.0,
}

// Weight returns the fixed weight for k and false for unknown kinds.
func (k InteractionKind) Weight() (float64, bool) {
	w, ok := kindWeights[k]
	return w, ok
}

func ParseKind(s string) (InteractionKind, error) {
	k := InteractionKind(s)
	if _, ok := kindWeights[k]; !ok {
		return "", ErrUnknownKind
	}
	return k, nil
}

// InteractionEvent is append-only. Tags are a snapshot of the place's tags at
// event time; later catalog edits never change historical scoring.
type InteractionEvent struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	PlaceID   string          `json:"place_id"`
	Tags      []string        `json:"tags"`
	Kind      InteractionKind `json:"kind"`
	Weight    float64         `json:"weight"`
	Timestamp time.Time       `json:"ts"`
}

// Points is the integer score contribution per tag: round(weight*10).
func (e InteractionEvent) Points() int64 {
	return int64(math.Round(e.Weight * 10))
}

// NewInteraction snapshots the place's tags into a new event.
func NewInteraction(id, userID string, p Place, kind InteractionKind, ts time.Time) (InteractionEvent, error) {
	w, ok := kind.Weight()
	if !ok {
		return InteractionEvent{}, ErrUnknownKind
	}
	return InteractionEvent{
		ID:        id,
		UserID:    userID,
		PlaceID:   p.ID,
		Tags:      append([]string(nil), TagSet(p.Tags)...),
		Kind:      kind,
		Weight:    w,
		Timestamp: ts.UTC(),
	}, nil
}

type TagAffinity struct {
	UserID    string    `json:"user_id"`
	Tag       string    `json:"tag"`
	Score     int64     `json:"score"`
	UpdatedAt time.Time `json:"last_ts"`
}

// Profile maps tag -> accumulated score for a single user.
type Profile map[string]int64
