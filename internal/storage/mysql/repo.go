package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	drv "github.com/go-sql-driver/mysql"

	"mutelu/internal/domain"
)

// InnoDB may pick a gate insert as a deadlock victim when many attempts for a
// new pair arrive together.
const (
	errDeadlock     = 1213
	deadlockRetries = 3
)

func isDeadlock(err error) bool {
	var me *drv.MySQLError
	return errors.As(err, &me) && me.Number == errDeadlock
}

func valStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strVal(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func tagsJSON(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

// withTx runs fn in a transaction, rolling back on error.
func (r *Repo) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

/********** places **********/

func (r *Repo) UpsertPlace(ctx context.Context, p domain.Place) error {
	_, err := r.db.ExecContext(ctx, upsertPlaceSQL,
		p.ID,
		p.Name.TH,
		p.Name.EN,
		valStr(p.Description.TH),
		valStr(p.Description.EN),
		valStr(p.Location.TH),
		valStr(p.Location.EN),
		p.Coord.Lat,
		p.Coord.Lon,
		valStr(p.ImageName),
		tagsJSON(p.Tags),
		p.Rating,
	)
	return err
}

func (r *Repo) ListPlaces(ctx context.Context) ([]domain.Place, error) {
	rows, err := r.db.QueryContext(ctx, listPlacesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Place
	for rows.Next() {
		var p domain.Place
		var descTH, descEN, locTH, locEN, img sql.NullString
		var tags []byte
		if err := rows.Scan(
			&p.ID, &p.Name.TH, &p.Name.EN,
			&descTH, &descEN, &locTH, &locEN,
			&p.Coord.Lat, &p.Coord.Lon,
			&img, &tags, &p.Rating,
		); err != nil {
			return nil, err
		}
		p.Description = domain.LocalizedText{TH: strVal(descTH), EN: strVal(descEN)}
		p.Location = domain.LocalizedText{TH: strVal(locTH), EN: strVal(locEN)}
		p.ImageName = strVal(img)
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &p.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for place %s: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

/********** interactions **********/

// RecordInteraction writes the event and its per-tag increments in one tx.
func (r *Repo) RecordInteraction(ctx context.Context, ev domain.InteractionEvent) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertInteractionSQL,
			ev.ID, ev.UserID, ev.PlaceID, string(ev.Kind), ev.Weight, tagsJSON(ev.Tags), ev.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("insert interaction: %w", err)
		}
		pts := ev.Points()
		for _, tag := range ev.Tags {
			if _, err := tx.ExecContext(ctx, bumpTagScoreSQL, ev.UserID, tag, pts, ev.Timestamp.UTC()); err != nil {
				return fmt.Errorf("bump %s: %w", tag, err)
			}
		}
		return nil
	})
}

func (r *Repo) TagScores(ctx context.Context, userID string) ([]domain.TagAffinity, error) {
	rows, err := r.db.QueryContext(ctx, tagScoresSQL, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TagAffinity
	for rows.Next() {
		var a domain.TagAffinity
		if err := rows.Scan(&a.UserID, &a.Tag, &a.Score, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) PurgeInteractionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, purgeInteractionsSQL, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repo) RebuildTagScores(ctx context.Context) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, clearTagScoresSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, rebuildTagScoresSQL)
		return err
	})
}

/********** check-ins **********/

// InsertCheckInIfEligible serializes attempts for the same pair on a gate row
// and reads the latest timestamp under that lock, so admin edits to older
// records are honoured.
func (r *Repo) InsertCheckInIfEligible(ctx context.Context, rec domain.CheckInRecord, notBefore time.Time) (bool, error) {
	var (
		ok  bool
		err error
	)
	for attempt := 0; attempt <= deadlockRetries; attempt++ {
		ok, err = r.insertCheckIn(ctx, rec, notBefore)
		if err == nil || !isDeadlock(err) {
			return ok, err
		}
	}
	return ok, err
}

func (r *Repo) insertCheckIn(ctx context.Context, rec domain.CheckInRecord, notBefore time.Time) (bool, error) {
	inserted := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ensureGateSQL, rec.UserID, rec.PlaceID); err != nil {
			return fmt.Errorf("ensure gate: %w", err)
		}
		var u string
		if err := tx.QueryRowContext(ctx, lockGateSQL, rec.UserID, rec.PlaceID).Scan(&u); err != nil {
			return fmt.Errorf("lock gate: %w", err)
		}
		var last sql.NullTime
		if err := tx.QueryRowContext(ctx, lastTSSQL, rec.UserID, rec.PlaceID).Scan(&last); err != nil {
			return fmt.Errorf("last ts: %w", err)
		}
		if last.Valid && !last.Time.Before(notBefore) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, insertCheckInSQL,
			rec.ID, rec.UserID, rec.PlaceID, rec.Timestamp.UTC(), rec.MeritPoints, rec.AdminEdited, rec.Coord.Lat, rec.Coord.Lon,
		); err != nil {
			return fmt.Errorf("insert check-in: %w", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

type scanner interface{ Scan(dest ...any) error }

func scanCheckIn(s scanner) (domain.CheckInRecord, error) {
	var c domain.CheckInRecord
	err := s.Scan(&c.ID, &c.UserID, &c.PlaceID, &c.Timestamp, &c.MeritPoints, &c.AdminEdited, &c.Coord.Lat, &c.Coord.Lon)
	c.Timestamp = c.Timestamp.UTC()
	return c, err
}

func (r *Repo) LastCheckIn(ctx context.Context, userID, placeID string) (*domain.CheckInRecord, error) {
	c, err := scanCheckIn(r.db.QueryRowContext(ctx, lastCheckInSQL, userID, placeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetCheckIn(ctx context.Context, id string) (domain.CheckInRecord, error) {
	c, err := scanCheckIn(r.db.QueryRowContext(ctx, getCheckInSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CheckInRecord{}, domain.ErrNotFound
	}
	return c, err
}

func (r *Repo) UpdateCheckInTimestamp(ctx context.Context, id string, ts time.Time) error {
	res, err := r.db.ExecContext(ctx, updateCheckInTSSQL, ts.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// unchanged rows report 0 as well
		if _, err := r.GetCheckIn(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) ListCheckIns(ctx context.Context, userID string) ([]domain.CheckInRecord, error) {
	rows, err := r.db.QueryContext(ctx, listCheckInsSQL, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CheckInRecord
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ domain.Store = (*Repo)(nil)
