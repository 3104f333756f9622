package domain

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// placeNamespace scopes UUIDv5 place identifiers.
var placeNamespace = uuid.MustParse("6f1d4c1e-2b8a-5d0e-9a57-3c1f0b6a4e21")

type LocalizedText struct {
	TH string `json:"th"`
	EN string `json:"en"`
}

type Place struct {
	ID          string        `json:"id"`
	Name        LocalizedText `json:"name"`
	Description LocalizedText `json:"description"`
	Location    LocalizedText `json:"location"`
	Coord       Coord         `json:"coord"`
	ImageName   string        `json:"image_name,omitempty"`
	Tags        []string      `json:"tags"`
	Rating      float64       `json:"rating"` // 0.0-5.0
}

// NewPlaceID derives a stable identifier from the Thai/English names and the
// coordinates, so re-importing the same catalog never duplicates places.
func NewPlaceID(nameTH, nameEN string, lat, lon float64) string {
	key := strings.Join([]string{
		nameTH,
		nameEN,
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lon, 'f', -1, 64),
	}, "-")
	return uuid.NewSHA1(placeNamespace, []byte(key)).String()
}

// TagSet trims tags and drops empties and duplicates, keeping first-seen order.
func TagSet(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// IDSet builds a lookup set from place identifiers.
func IDSet(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}
