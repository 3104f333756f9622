package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mutelu/internal/domain"
)

type ScorePolicy string

const (
	// PolicyAccumulate keeps scores forever, even after their events are purged.
	PolicyAccumulate ScorePolicy = "accumulate"
	// PolicyRebuild recomputes scores from the retained events after a purge.
	PolicyRebuild ScorePolicy = "rebuild"
)

type Tracker struct {
	repo     domain.InteractionRepository
	cache    domain.Cache
	cacheTTL time.Duration
	policy   ScorePolicy
	now      func() time.Time
}

func NewTracker(r domain.InteractionRepository, c domain.Cache, ttl time.Duration, policy ScorePolicy) *Tracker {
	if policy == "" {
		policy = PolicyAccumulate
	}
	return &Tracker{repo: r, cache: c, cacheTTL: ttl, policy: policy, now: time.Now}
}

func profileKey(userID string) string { return "profile:" + userID }

// profileEpochKey is bumped by score rebuilds, profileGenKey by every Record.
// A cached profile is only served while both still match what it was built
// under.
const profileEpochKey = "profile-epoch"

func profileGenKey(userID string) string { return "profile-gen:" + userID }

type cachedProfile struct {
	Gen    string         `json:"gen"`
	Scores domain.Profile `json:"scores"`
}

// generation reports the current epoch/user pair. ok is false when the cache
// can't be read, in which case nothing should be cached either.
func (t *Tracker) generation(ctx context.Context, userID string) (string, bool) {
	var epoch, gen string
	if _, err := t.cache.Get(ctx, profileEpochKey, &epoch); err != nil {
		log.Warn().Err(err).Msg("profile epoch read failed")
		return "", false
	}
	if _, err := t.cache.Get(ctx, profileGenKey(userID), &gen); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("profile generation read failed")
		return "", false
	}
	return epoch + "/" + gen, true
}

// bump outlives any profile cached under the previous value.
func (t *Tracker) bump(ctx context.Context, key string) error {
	var ttl time.Duration
	if t.cacheTTL > 0 {
		ttl = 2 * t.cacheTTL
	}
	return t.cache.Set(ctx, key, uuid.NewString(), ttl)
}

// Record persists ev and bumps every tag it carries by round(weight*10).
// The increment itself is atomic in the repository.
func (t *Tracker) Record(ctx context.Context, ev domain.InteractionEvent) error {
	if _, ok := ev.Kind.Weight(); !ok {
		return domain.ErrUnknownKind
	}
	ev.Tags = domain.TagSet(ev.Tags)
	if err := t.repo.RecordInteraction(ctx, ev); err != nil {
		return fmt.Errorf("record interaction %s/%s: %w", ev.UserID, ev.PlaceID, err)
	}
	if t.cache != nil {
		// bump after the write so a Profile that read rows before it is
		// cached under the old generation
		if err := t.bump(ctx, profileGenKey(ev.UserID)); err != nil {
			log.Warn().Err(err).Str("user", ev.UserID).Msg("profile generation bump failed")
		}
		if err := t.cache.Del(ctx, profileKey(ev.UserID)); err != nil {
			log.Warn().Err(err).Str("user", ev.UserID).Msg("profile cache invalidation failed")
		}
	}
	return nil
}

// Emit lets the tracker act as the ledger's event sink directly.
func (t *Tracker) Emit(ctx context.Context, ev domain.InteractionEvent) error {
	return t.Record(ctx, ev)
}

// Profile returns a snapshot of the user's tag scores.
func (t *Tracker) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	var (
		gen       string
		cacheable bool
	)
	if t.cache != nil {
		gen, cacheable = t.generation(ctx, userID)
	}
	if cacheable {
		var c cachedProfile
		ok, err := t.cache.Get(ctx, profileKey(userID), &c)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("user", userID).Msg("profile cache read failed")
		case ok && c.Gen == gen && c.Scores != nil:
			return c.Scores, nil
		}
	}
	rows, err := t.repo.TagScores(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("tag scores for %s: %w", userID, err)
	}
	p := make(domain.Profile, len(rows))
	for _, r := range rows {
		p[r.Tag] = r.Score
	}
	if cacheable {
		if err := t.cache.Set(ctx, profileKey(userID), cachedProfile{Gen: gen, Scores: p}, t.cacheTTL); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("profile cache write failed")
		}
	}
	return p, nil
}

// PurgeOlderThan deletes interaction events older than days. Scores are left
// untouched unless the tracker runs with PolicyRebuild.
func (t *Tracker) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		days = 0
	}
	cutoff := t.now().UTC().AddDate(0, 0, -days)
	n, err := t.repo.PurgeInteractionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge interactions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if t.policy == PolicyRebuild {
		if err := t.repo.RebuildTagScores(ctx); err != nil {
			return n, fmt.Errorf("rebuild tag scores: %w", err)
		}
		if t.cache != nil {
			if err := t.bump(ctx, profileEpochKey); err != nil {
				log.Warn().Err(err).Msg("profile epoch bump failed")
			}
		}
		log.Info().Int64("purged", n).Msg("tag scores rebuilt from retained interactions")
	}
	return n, nil
}
