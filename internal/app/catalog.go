package app

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"mutelu/internal/domain"
)

// Catalog is an immutable snapshot of the place list.
type Catalog struct {
	places []domain.Place
	byID   map[string]int
}

// NewCatalog copies places, collapsing duplicate identifiers (last wins).
func NewCatalog(places []domain.Place) *Catalog {
	c := &Catalog{byID: make(map[string]int, len(places))}
	for _, p := range places {
		p.Tags = domain.TagSet(p.Tags)
		if i, ok := c.byID[p.ID]; ok {
			c.places[i] = p
			continue
		}
		c.byID[p.ID] = len(c.places)
		c.places = append(c.places, p)
	}
	return c
}

func (c *Catalog) All() []domain.Place {
	out := make([]domain.Place, len(c.places))
	copy(out, c.places)
	return out
}

func (c *Catalog) Get(id string) (domain.Place, bool) {
	i, ok := c.byID[id]
	if !ok {
		return domain.Place{}, false
	}
	return c.places[i], true
}

func (c *Catalog) Len() int { return len(c.places) }

// Lookup resolves ids in order, skipping unknown ones. at[i] is the index in
// ids of places[i].
func (c *Catalog) Lookup(ids []string) (places []domain.Place, at []int) {
	places = make([]domain.Place, 0, len(ids))
	at = make([]int, 0, len(ids))
	for i, id := range ids {
		if p, ok := c.Get(id); ok {
			places = append(places, p)
			at = append(at, i)
		}
	}
	return places, at
}

// NearestByLine returns the n places closest to origin in straight-line
// distance. Ties go to the smaller ID.
func (c *Catalog) NearestByLine(origin domain.Coord, n int) []domain.Place {
	type pd struct {
		p domain.Place
		d float64
	}
	all := make([]pd, 0, len(c.places))
	for _, p := range c.places {
		all = append(all, pd{p, domain.GreatCircleMeters(origin, p.Coord)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d < all[j].d
		}
		return all[i].p.ID < all[j].p.ID
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]domain.Place, 0, n)
	for _, x := range all[:n] {
		out = append(out, x.p)
	}
	return out
}

/********** catalog decoding **********/

var placeAliases = map[string][]string{
	"name_th":        {"nameTH", "name_th", "name.th"},
	"name_en":        {"nameEN", "name_en", "name.en", "name"},
	"description_th": {"descriptionTH", "description_th", "description.th"},
	"description_en": {"descriptionEN", "description_en", "description.en", "description"},
	"location_th":    {"locationTH", "location_th", "location.th"},
	"location_en":    {"locationEN", "location_en", "location.en", "address"},
	"image":          {"imageName", "image_name", "image"},
}

// DecodeCatalog reads a JSON array of places in the shipped catalog format.
// Entries without names or coordinates are skipped with a warning.
func DecodeCatalog(r io.Reader) ([]domain.Place, error) {
	var raw []map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	out := make([]domain.Place, 0, len(raw))
	for i, m := range raw {
		p, err := mapPlace(m)
		if err != nil {
			log.Warn().Int("index", i).Err(err).Msg("skipping catalog entry")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func mapPlace(m map[string]any) (domain.Place, error) {
	nameTH := firstAlias(m, "name_th")
	nameEN := firstAlias(m, "name_en")
	if nameTH == "" && nameEN == "" {
		return domain.Place{}, fmt.Errorf("missing name")
	}
	lat := floatAt(m, "latitude", "lat", "coord.lat")
	lon := floatAt(m, "longitude", "lon", "lng", "coord.lon")
	if lat == nil || lon == nil {
		return domain.Place{}, fmt.Errorf("missing coordinates for %q", nameEN)
	}
	rating := 0.0
	if f := floatAt(m, "rating", "score"); f != nil {
		rating = *f
	}
	if rating < 0 {
		rating = 0
	}
	if rating > 5 {
		rating = 5
	}

	return domain.Place{
		ID:          domain.NewPlaceID(nameTH, nameEN, *lat, *lon),
		Name:        domain.LocalizedText{TH: nameTH, EN: nameEN},
		Description: domain.LocalizedText{TH: firstAlias(m, "description_th"), EN: firstAlias(m, "description_en")},
		Location:    domain.LocalizedText{TH: firstAlias(m, "location_th"), EN: firstAlias(m, "location_en")},
		Coord:       domain.Coord{Lat: *lat, Lon: *lon},
		ImageName:   firstAlias(m, "image"),
		Tags:        domain.TagSet(stringsAt(m, "tags")),
		Rating:      rating,
	}, nil
}

// lookupAny: safe nested lookup with dot paths on maps.
func lookupAny(m map[string]any, path string) any {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := obj[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

func firstAlias(m map[string]any, key string) string {
	for _, p := range placeAliases[key] {
		if s, ok := lookupAny(m, p).(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// floatAt: number from several paths (float64 or numeric string).
func floatAt(m map[string]any, paths ...string) *float64 {
	for _, k := range paths {
		switch v := lookupAny(m, k).(type) {
		case float64:
			f := v
			return &f
		case string:
			s := strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func stringsAt(m map[string]any, path string) []string {
	raw, ok := lookupAny(m, path).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, it := range raw {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
