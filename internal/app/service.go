package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"mutelu/internal/domain"
)

type ServiceConfig struct {
	DefaultTop       int
	FallbackTop      int
	NearestPrefilter int
	NearestTop       int
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{DefaultTop: 5, FallbackTop: 3, NearestPrefilter: 8, NearestTop: 3}
}

// Service is the entry point for the HTTP layer. Every collaborator is
// injected; nothing here is process-global.
type Service struct {
	catalog    *Catalog
	tracker    *Tracker
	sink       domain.EventSink
	engine     Engine
	dispatcher *Dispatcher
	ledger     *Ledger
	cfg        ServiceConfig
	now        func() time.Time
}

func NewService(c *Catalog, t *Tracker, sink domain.EventSink, d *Dispatcher, l *Ledger, cfg ServiceConfig) *Service {
	if sink == nil {
		sink = t
	}
	if cfg.DefaultTop <= 0 {
		cfg.DefaultTop = 5
	}
	if cfg.FallbackTop <= 0 {
		cfg.FallbackTop = 3
	}
	if cfg.NearestPrefilter <= 0 {
		cfg.NearestPrefilter = 8
	}
	if cfg.NearestTop <= 0 {
		cfg.NearestTop = 3
	}
	return &Service{catalog: c, tracker: t, sink: sink, dispatcher: d, ledger: l, cfg: cfg, now: time.Now}
}

func (s *Service) Places() []domain.Place { return s.catalog.All() }

func (s *Service) Place(id string) (domain.Place, bool) { return s.catalog.Get(id) }

func (s *Service) TopRated(top int) []domain.Place {
	if top <= 0 {
		top = s.cfg.FallbackTop
	}
	return s.engine.TopRated(s.catalog.All(), nil, top).Places
}

// LogInteraction snapshots the place's current tags into a new event.
func (s *Service) LogInteraction(ctx context.Context, userID, placeID string, kind domain.InteractionKind) (domain.InteractionEvent, error) {
	p, ok := s.catalog.Get(placeID)
	if !ok {
		return domain.InteractionEvent{}, domain.ErrUnknownPlace
	}
	ev, err := domain.NewInteraction(uuid.NewString(), userID, p, kind, s.now())
	if err != nil {
		return domain.InteractionEvent{}, err
	}
	if err := s.sink.Emit(ctx, ev); err != nil {
		return domain.InteractionEvent{}, err
	}
	return ev, nil
}

func (s *Service) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	return s.tracker.Profile(ctx, userID)
}

type RecommendRequest struct {
	UserID         string
	Mode           Strategy // profile|seed
	SeedID         string   // seed mode; defaults to the latest check-in
	Excluding      []string
	Top            int
	ExcludeVisited bool
}

// RequestRecommendations ranks the catalog for a user. When the profile
// carries no signal (or seed mode has no seed) the response falls back to
// top-rated places and says so in Strategy.
func (s *Service) RequestRecommendations(ctx context.Context, req RecommendRequest) (Recommendation, error) {
	top := req.Top
	if top <= 0 {
		top = s.cfg.DefaultTop
	}
	excluding := domain.IDSet(req.Excluding...)

	var history []domain.CheckInRecord
	if req.ExcludeVisited || (req.Mode == StrategySeed && req.SeedID == "") {
		h, err := s.ledger.History(ctx, req.UserID)
		if err != nil {
			return Recommendation{}, err
		}
		history = h
	}
	if req.ExcludeVisited {
		for _, r := range history {
			excluding[r.PlaceID] = struct{}{}
		}
	}

	places := s.catalog.All()
	if req.Mode == StrategySeed {
		seedID := req.SeedID
		if seedID == "" && len(history) > 0 {
			seedID = history[0].PlaceID
		}
		seed, ok := s.catalog.Get(seedID)
		if !ok {
			if req.SeedID != "" {
				return Recommendation{}, domain.ErrUnknownPlace
			}
			return s.engine.TopRated(places, excluding, s.cfg.FallbackTop), nil
		}
		return s.engine.BySeed(places, seed, excluding, top), nil
	}

	profile, err := s.tracker.Profile(ctx, req.UserID)
	if err != nil {
		return Recommendation{}, err
	}
	rec := s.engine.ByProfile(places, profile, excluding, top)
	if rec.ProfileEmpty {
		fb := s.engine.TopRated(places, excluding, s.cfg.FallbackTop)
		fb.ProfileEmpty = true
		return fb, nil
	}
	return rec, nil
}

// RequestDistances quotes every requested id; unknown ids come back as
// unavailable. key scopes cancellation: a newer request with the same key
// abandons the older one.
func (s *Service) RequestDistances(ctx context.Context, key string, origin domain.Coord, placeIDs []string, mode domain.TransportMode) ([]domain.DistanceQuote, error) {
	known, at := s.catalog.Lookup(placeIDs)
	qs, err := s.dispatcher.Resolve(ctx, key, origin, known, mode)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DistanceQuote, len(placeIDs))
	for i, id := range placeIDs {
		out[i] = domain.DistanceQuote{PlaceID: id, Tier: domain.TierUnavailable}
	}
	for j, q := range qs {
		out[at[j]] = q
	}
	return out, nil
}

type NearbyPlace struct {
	Place  domain.Place `json:"place"`
	Meters float64      `json:"meters"`
	Tier   domain.Tier  `json:"tier"`
}

// NearestPlaces prefilters the catalog by straight-line distance, resolves
// real distances for the shortlist and keeps the closest places whose
// distance is known.
func (s *Service) NearestPlaces(ctx context.Context, key string, origin domain.Coord, mode domain.TransportMode) ([]NearbyPlace, error) {
	short := s.catalog.NearestByLine(origin, s.cfg.NearestPrefilter)
	qs, err := s.dispatcher.Resolve(ctx, key, origin, short, mode)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyPlace, 0, len(qs))
	for _, q := range qs {
		if q.Meters == nil {
			continue
		}
		p, _ := s.catalog.Get(q.PlaceID)
		out = append(out, NearbyPlace{Place: p, Meters: *q.Meters, Tier: q.Tier})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Meters < out[j].Meters })
	if len(out) > s.cfg.NearestTop {
		out = out[:s.cfg.NearestTop]
	}
	return out, nil
}

func (s *Service) AttemptCheckIn(ctx context.Context, userID, placeID string, at domain.Coord, prox Proximity) (CheckInOutcome, error) {
	p, ok := s.catalog.Get(placeID)
	if !ok {
		return CheckInOutcome{}, domain.ErrUnknownPlace
	}
	return s.ledger.CheckIn(ctx, userID, p, at, prox)
}

type CheckInStatus struct {
	Eligible  bool           `json:"eligible"`
	Remaining *time.Duration `json:"-"`
}

func (s *Service) CheckInStatus(ctx context.Context, userID, placeID string) (CheckInStatus, error) {
	if _, ok := s.catalog.Get(placeID); !ok {
		return CheckInStatus{}, domain.ErrUnknownPlace
	}
	rem, err := s.ledger.TimeRemaining(ctx, userID, placeID)
	if err != nil {
		return CheckInStatus{}, err
	}
	return CheckInStatus{Eligible: rem == nil, Remaining: rem}, nil
}

// CheckInHistory returns the user's check-ins, newest first, and their merit total.
func (s *Service) CheckInHistory(ctx context.Context, userID string) ([]domain.CheckInRecord, int, error) {
	recs, err := s.ledger.History(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("history for %s: %w", userID, err)
	}
	return recs, MeritTotal(recs), nil
}

func (s *Service) CorrectCheckInTimestamp(ctx context.Context, recordID string, ts time.Time) (domain.CheckInRecord, error) {
	return s.ledger.AdminCorrectTimestamp(ctx, recordID, ts)
}
