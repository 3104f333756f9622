package domain

import "time"

type CheckInRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PlaceID     string    `json:"place_id"`
	Timestamp   time.Time `json:"ts"`
	MeritPoints int       `json:"merit_points"`
	AdminEdited bool      `json:"admin_edited"`
	Coord       Coord     `json:"coord"`
}
