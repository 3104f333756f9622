package app

import (
	"sort"

	"mutelu/internal/domain"
)

type Strategy string

const (
	StrategyProfile  Strategy = "profile"
	StrategySeed     Strategy = "seed"
	StrategyTopRated Strategy = "top_rated"
)

// Recommendation is the ranked output of the engine, most relevant first.
// ProfileEmpty reports that every candidate scored zero against the profile;
// the engine never switches strategy on its own.
type Recommendation struct {
	Places       []domain.Place `json:"places"`
	Strategy     Strategy       `json:"strategy"`
	ProfileEmpty bool           `json:"profile_empty,omitempty"`
}

// Engine ranks places. It holds no mutable state.
type Engine struct{}

type scored struct {
	p     domain.Place
	score int64
}

// ByProfile scores each candidate by the sum of profile[tag] over its tags.
func (Engine) ByProfile(places []domain.Place, profile domain.Profile, excluding map[string]struct{}, top int) Recommendation {
	matched := false
	cands := make([]scored, 0, len(places))
	for _, p := range places {
		if _, skip := excluding[p.ID]; skip {
			continue
		}
		var s int64
		for _, tag := range domain.TagSet(p.Tags) {
			s += profile[tag]
		}
		if s != 0 {
			matched = true
		}
		cands = append(cands, scored{p: p, score: s})
	}
	return Recommendation{
		Places:       rank(cands, top),
		Strategy:     StrategyProfile,
		ProfileEmpty: !matched,
	}
}

// BySeed scores each candidate by the number of tags it shares with seed.
// The seed itself is never returned.
func (Engine) BySeed(places []domain.Place, seed domain.Place, excluding map[string]struct{}, top int) Recommendation {
	seedTags := make(map[string]struct{}, len(seed.Tags))
	for _, t := range domain.TagSet(seed.Tags) {
		seedTags[t] = struct{}{}
	}
	cands := make([]scored, 0, len(places))
	for _, p := range places {
		if p.ID == seed.ID {
			continue
		}
		if _, skip := excluding[p.ID]; skip {
			continue
		}
		var s int64
		for _, t := range domain.TagSet(p.Tags) {
			if _, ok := seedTags[t]; ok {
				s++
			}
		}
		cands = append(cands, scored{p: p, score: s})
	}
	return Recommendation{Places: rank(cands, top), Strategy: StrategySeed}
}

// TopRated orders candidates by rating alone. It is the explicit alternate
// strategy for users without any interaction history.
func (Engine) TopRated(places []domain.Place, excluding map[string]struct{}, top int) Recommendation {
	cands := make([]scored, 0, len(places))
	for _, p := range places {
		if _, skip := excluding[p.ID]; skip {
			continue
		}
		cands = append(cands, scored{p: p})
	}
	return Recommendation{Places: rank(cands, top), Strategy: StrategyTopRated}
}

// rank sorts by score desc, rating desc, then ID asc.
func rank(cands []scored, top int) []domain.Place {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.p.Rating != b.p.Rating {
			return a.p.Rating > b.p.Rating
		}
		return a.p.ID < b.p.ID
	})
	if top < 0 {
		top = 0
	}
	if top > len(cands) {
		top = len(cands)
	}
	out := make([]domain.Place, top)
	for i := 0; i < top; i++ {
		out[i] = cands[i].p
	}
	return out
}
