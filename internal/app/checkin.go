package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mutelu/internal/adapters/observability"
	"mutelu/internal/domain"
)

type Rejection string

const (
	RejectNone           Rejection = ""
	RejectCooldownActive Rejection = "cooldown_active"
	RejectDuplicateRace  Rejection = "duplicate_race"
	RejectNotNearby      Rejection = "not_nearby"
)

// CheckInOutcome is either a persisted Record or a Rejection. Rejections are
// normal control flow; only storage failures come back as errors.
type CheckInOutcome struct {
	Record     *domain.CheckInRecord `json:"record,omitempty"`
	Rejection  Rejection             `json:"rejection,omitempty"`
	RetryAfter time.Duration         `json:"-"`
}

func (o CheckInOutcome) OK() bool { return o.Record != nil }

// Proximity is the caller's verdict on whether the user is at the place.
// When Meters is set it is compared against the ledger's threshold and OK is
// ignored.
type Proximity struct {
	OK     bool
	Meters *float64
}

type LedgerConfig struct {
	Cooldown        time.Duration
	MeritPoints     int
	ProximityMeters float64
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{Cooldown: 24 * time.Hour, MeritPoints: 15, ProximityMeters: 50_000}
}

type Ledger struct {
	repo domain.CheckInRepository
	sink domain.EventSink
	cfg  LedgerConfig
	now  func() time.Time
}

func NewLedger(r domain.CheckInRepository, sink domain.EventSink, cfg LedgerConfig) *Ledger {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &Ledger{repo: r, sink: sink, cfg: cfg, now: time.Now}
}

func (l *Ledger) IsEligible(ctx context.Context, userID, placeID string) (bool, error) {
	rem, err := l.TimeRemaining(ctx, userID, placeID)
	if err != nil {
		return false, err
	}
	return rem == nil, nil
}

// TimeRemaining is nil when the pair was never checked in or is eligible again.
func (l *Ledger) TimeRemaining(ctx context.Context, userID, placeID string) (*time.Duration, error) {
	last, err := l.repo.LastCheckIn(ctx, userID, placeID)
	if err != nil {
		return nil, fmt.Errorf("last check-in %s/%s: %w", userID, placeID, err)
	}
	if last == nil {
		return nil, nil
	}
	rem := last.Timestamp.Add(l.cfg.Cooldown).Sub(l.now())
	if rem <= 0 {
		return nil, nil
	}
	return &rem, nil
}

func (l *Ledger) nearby(p Proximity) bool {
	if p.Meters != nil {
		return *p.Meters >= 0 && *p.Meters <= l.cfg.ProximityMeters
	}
	return p.OK
}

// CheckIn records a visit to place when the pair is out of cooldown and the
// caller vouches for proximity. On success a check_in interaction is emitted.
func (l *Ledger) CheckIn(ctx context.Context, userID string, place domain.Place, at domain.Coord, prox Proximity) (CheckInOutcome, error) {
	if !l.nearby(prox) {
		observability.ObserveCheckIn(string(RejectNotNearby))
		return CheckInOutcome{Rejection: RejectNotNearby}, nil
	}

	rem, err := l.TimeRemaining(ctx, userID, place.ID)
	if err != nil {
		observability.ObserveCheckIn("error")
		return CheckInOutcome{}, err
	}
	if rem != nil {
		observability.ObserveCheckIn(string(RejectCooldownActive))
		log.Debug().Str("user", userID).Str("place", place.ID).Dur("remaining", *rem).Msg("check-in cooling down")
		return CheckInOutcome{Rejection: RejectCooldownActive, RetryAfter: *rem}, nil
	}

	now := l.now().UTC()
	rec := domain.CheckInRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		PlaceID:     place.ID,
		Timestamp:   now,
		MeritPoints: l.cfg.MeritPoints,
		Coord:       at,
	}
	// a zero cooldown never blocks, so the window must be empty
	notBefore := now.Add(-l.cfg.Cooldown)
	if l.cfg.Cooldown == 0 {
		notBefore = now.Add(time.Nanosecond)
	}
	ok, err := l.repo.InsertCheckInIfEligible(ctx, rec, notBefore)
	if err != nil {
		observability.ObserveCheckIn("error")
		return CheckInOutcome{}, fmt.Errorf("insert check-in %s/%s: %w", userID, place.ID, err)
	}
	if !ok {
		observability.ObserveCheckIn(string(RejectDuplicateRace))
		return CheckInOutcome{Rejection: RejectDuplicateRace, RetryAfter: l.cfg.Cooldown}, nil
	}
	observability.ObserveCheckIn("ok")

	if l.sink != nil {
		ev, err := domain.NewInteraction(uuid.NewString(), userID, place, domain.KindCheckIn, now)
		if err == nil {
			err = l.sink.Emit(ctx, ev)
		}
		if err != nil {
			// the check-in stands; only the affinity update is lost
			log.Error().Err(err).Str("user", userID).Str("place", place.ID).Msg("emit check_in interaction failed")
		}
	}
	return CheckInOutcome{Record: &rec}, nil
}

// AdminCorrectTimestamp rewrites a record's timestamp and flags it as edited.
// Other records are not re-evaluated.
func (l *Ledger) AdminCorrectTimestamp(ctx context.Context, recordID string, ts time.Time) (domain.CheckInRecord, error) {
	if _, err := l.repo.GetCheckIn(ctx, recordID); err != nil {
		return domain.CheckInRecord{}, err
	}
	if err := l.repo.UpdateCheckInTimestamp(ctx, recordID, ts.UTC()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.CheckInRecord{}, err
		}
		return domain.CheckInRecord{}, fmt.Errorf("correct check-in %s: %w", recordID, err)
	}
	return l.repo.GetCheckIn(ctx, recordID)
}

// History lists the user's check-ins, newest first.
func (l *Ledger) History(ctx context.Context, userID string) ([]domain.CheckInRecord, error) {
	return l.repo.ListCheckIns(ctx, userID)
}

func MeritTotal(recs []domain.CheckInRecord) int {
	total := 0
	for _, r := range recs {
		total += r.MeritPoints
	}
	return total
}
