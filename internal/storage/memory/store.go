// Package memory is a process-local domain.Store used for development and
// tests. All state lives behind a single mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"mutelu/internal/domain"
)

type scoreKey struct{ user, tag string }

type Store struct {
	mu           sync.Mutex
	places       map[string]domain.Place
	order        []string
	interactions []domain.InteractionEvent
	scores       map[scoreKey]domain.TagAffinity
	checkins     map[string]domain.CheckInRecord
}

func New() *Store {
	return &Store{
		places:   make(map[string]domain.Place),
		scores:   make(map[scoreKey]domain.TagAffinity),
		checkins: make(map[string]domain.CheckInRecord),
	}
}

func (s *Store) UpsertPlace(_ context.Context, p domain.Place) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.places[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	p.Tags = append([]string(nil), p.Tags...)
	s.places[p.ID] = p
	return nil
}

func (s *Store) ListPlaces(_ context.Context) ([]domain.Place, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Place, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.places[id])
	}
	return out, nil
}

func (s *Store) RecordInteraction(_ context.Context, ev domain.InteractionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Tags = append([]string(nil), ev.Tags...)
	s.interactions = append(s.interactions, ev)
	s.bump(ev)
	return nil
}

func (s *Store) bump(ev domain.InteractionEvent) {
	pts := ev.Points()
	for _, tag := range ev.Tags {
		k := scoreKey{ev.UserID, tag}
		a := s.scores[k]
		a.UserID, a.Tag = ev.UserID, tag
		a.Score += pts
		if ev.Timestamp.After(a.UpdatedAt) {
			a.UpdatedAt = ev.Timestamp
		}
		s.scores[k] = a
	}
}

func (s *Store) TagScores(_ context.Context, userID string) ([]domain.TagAffinity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TagAffinity
	for k, a := range s.scores {
		if k.user == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (s *Store) PurgeInteractionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.interactions[:0]
	var n int64
	for _, ev := range s.interactions {
		if ev.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	s.interactions = kept
	return n, nil
}

func (s *Store) RebuildTagScores(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = make(map[scoreKey]domain.TagAffinity)
	for _, ev := range s.interactions {
		s.bump(ev)
	}
	return nil
}

// Interactions returns a copy of the retained event log.
func (s *Store) Interactions() []domain.InteractionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.InteractionEvent(nil), s.interactions...)
}

func (s *Store) InsertCheckInIfEligible(_ context.Context, rec domain.CheckInRecord, notBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last := s.last(rec.UserID, rec.PlaceID); last != nil && !last.Timestamp.Before(notBefore) {
		return false, nil
	}
	s.checkins[rec.ID] = rec
	return true, nil
}

func (s *Store) last(userID, placeID string) *domain.CheckInRecord {
	var best *domain.CheckInRecord
	for _, r := range s.checkins {
		if r.UserID != userID || r.PlaceID != placeID {
			continue
		}
		if best == nil || r.Timestamp.After(best.Timestamp) {
			r := r
			best = &r
		}
	}
	return best
}

func (s *Store) LastCheckIn(_ context.Context, userID, placeID string) (*domain.CheckInRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last(userID, placeID), nil
}

func (s *Store) GetCheckIn(_ context.Context, id string) (domain.CheckInRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.checkins[id]
	if !ok {
		return domain.CheckInRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Store) UpdateCheckInTimestamp(_ context.Context, id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.checkins[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Timestamp = ts
	r.AdminEdited = true
	s.checkins[id] = r
	return nil
}

// ListCheckIns is newest first; equal timestamps order by ID.
func (s *Store) ListCheckIns(_ context.Context, userID string) ([]domain.CheckInRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CheckInRecord
	for _, r := range s.checkins {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// compile-time check
var _ domain.Store = (*Store)(nil)
