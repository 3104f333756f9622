package httpserver

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"mutelu/internal/app"
	"mutelu/internal/domain"
)

const maxBody = 1 << 20

type Handlers struct {
	S        *app.Service
	AdminKey string
}

var validate = validator.New()

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	// check-in rejections only
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds *int64 `json:"retry_after_seconds,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.mux.Route("/v1", func(r chi.Router) {
		r.Get("/places", h.listPlaces)
		r.Get("/places/top-rated", h.topRated)
		r.Post("/distances", h.distances)

		r.Route("/users/{user}", func(r chi.Router) {
			r.Post("/interactions", h.logInteraction)
			r.Get("/profile", h.profile)
			r.Get("/recommendations", h.recommendations)
			r.Get("/nearest", h.nearest)
			r.Post("/checkins", h.checkIn)
			r.Get("/checkins", h.checkInHistory)
			r.Get("/checkins/{place}/status", h.checkInStatus)
		})

		r.With(h.requireAdmin).Patch("/admin/checkins/{id}", h.correctCheckIn)
	})
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	writeProblemBody(w, problem{Title: title, Status: status, Detail: detail})
}

func writeProblemBody(w http.ResponseWriter, p problem) {
	p.Type = "about:blank"
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	return `W/"` + hex.EncodeToString(sum[:]) + `"`, body
}

// writeCached serves v with a weak ETag and honours If-None-Match.
func writeCached(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("failed to write cached body")
	}
}

// decode reads a JSON body into dst and runs struct validation.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := strings.TrimSpace(chi.URLParam(r, "user"))
	if err := validate.Var(u, "required,max=128"); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid User", "user must be 1-128 characters")
		return "", false
	}
	return u, true
}

// fail maps service errors onto problem responses.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownPlace):
		writeProblem(w, http.StatusNotFound, "Unknown Place", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, domain.ErrUnknownKind):
		writeProblem(w, http.StatusBadRequest, "Unknown Interaction Kind", err.Error())
	case errors.Is(err, app.ErrSuperseded):
		writeProblem(w, http.StatusConflict, "Superseded", "a newer distance request for this user replaced this one")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeProblem(w, http.StatusServiceUnavailable, "Cancelled", err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func intQuery(r *http.Request, key string, def, lo, hi int) (int, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func csv(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMode(w http.ResponseWriter, s string) (domain.TransportMode, bool) {
	if err := validate.Var(s, "omitempty,oneof=driving walking"); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Mode", "mode must be driving or walking")
		return "", false
	}
	return domain.ParseMode(s), true
}

func retryAfterSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

/********** catalog **********/

func (h *Handlers) listPlaces(w http.ResponseWriter, r *http.Request) {
	writeCached(w, r, map[string]any{"places": h.S.Places()})
}

func (h *Handlers) topRated(w http.ResponseWriter, r *http.Request) {
	top, ok := intQuery(r, "top", 0, 1, 100)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid top", "top must be an integer between 1 and 100")
		return
	}
	writeCached(w, r, map[string]any{"places": h.S.TopRated(top)})
}

/********** interactions / recommendations **********/

type interactionReq struct {
	PlaceID string `json:"place_id" validate:"required"`
	Kind    string `json:"kind" validate:"required"`
}

func (h *Handlers) logInteraction(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req interactionReq
	if !decode(w, r, &req) {
		return
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		fail(w, err)
		return
	}
	ev, err := h.S.LogInteraction(r.Context(), user, req.PlaceID, kind)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (h *Handlers) profile(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	p, err := h.S.Profile(r.Context(), user)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "scores": p})
}

func (h *Handlers) recommendations(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	mode := app.Strategy(q.Get("mode"))
	switch mode {
	case "":
		mode = app.StrategyProfile
	case app.StrategyProfile, app.StrategySeed:
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid mode", "mode must be profile or seed")
		return
	}
	top, ok := intQuery(r, "top", 0, 1, 50)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid top", "top must be an integer between 1 and 50")
		return
	}
	excludeVisited := true
	if s := q.Get("exclude_visited"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid exclude_visited", "exclude_visited must be a boolean")
			return
		}
		excludeVisited = b
	}

	rec, err := h.S.RequestRecommendations(r.Context(), app.RecommendRequest{
		UserID:         user,
		Mode:           mode,
		SeedID:         q.Get("seed"),
		Excluding:      csv(q.Get("exclude")),
		Top:            top,
		ExcludeVisited: excludeVisited,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

/********** distances **********/

type distancesReq struct {
	User     string        `json:"user" validate:"max=128"`
	Origin   *domain.Coord `json:"origin" validate:"required"`
	PlaceIDs []string      `json:"place_ids" validate:"required,min=1,max=100,dive,required"`
	Mode     string        `json:"mode" validate:"omitempty,oneof=driving walking"`
}

func (h *Handlers) distances(w http.ResponseWriter, r *http.Request) {
	var req distancesReq
	if !decode(w, r, &req) {
		return
	}
	qs, err := h.S.RequestDistances(r.Context(), req.User, *req.Origin, req.PlaceIDs, domain.ParseMode(req.Mode))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distances": qs})
}

func (h *Handlers) nearest(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	origin := domain.Coord{Lat: lat, Lon: lon}
	if err1 != nil || err2 != nil || !origin.Finite() || validate.Struct(origin) != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Coordinates", "lat and lon must be valid numbers")
		return
	}
	mode, ok := parseMode(w, q.Get("mode"))
	if !ok {
		return
	}
	out, err := h.S.NearestPlaces(r.Context(), user, origin, mode)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"places": out})
}

/********** check-ins **********/

type checkInReq struct {
	PlaceID     string   `json:"place_id" validate:"required"`
	Lat         *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon         *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	ProximityOK *bool    `json:"proximity_ok"`
	DistanceM   *float64 `json:"distance_m" validate:"omitempty,gte=0"`
}

// proximity prefers an explicit distance, then the caller's flag, and
// otherwise measures the straight line to the place.
func (req checkInReq) proximity(place domain.Place) app.Proximity {
	switch {
	case req.DistanceM != nil:
		return app.Proximity{Meters: req.DistanceM}
	case req.ProximityOK != nil:
		return app.Proximity{OK: *req.ProximityOK}
	default:
		d := domain.GreatCircleMeters(domain.Coord{Lat: *req.Lat, Lon: *req.Lon}, place.Coord)
		return app.Proximity{Meters: &d}
	}
}

func (h *Handlers) checkIn(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req checkInReq
	if !decode(w, r, &req) {
		return
	}
	place, found := h.S.Place(req.PlaceID)
	if !found {
		fail(w, domain.ErrUnknownPlace)
		return
	}
	at := domain.Coord{Lat: *req.Lat, Lon: *req.Lon}
	out, err := h.S.AttemptCheckIn(r.Context(), user, req.PlaceID, at, req.proximity(place))
	if err != nil {
		fail(w, err)
		return
	}
	if !out.OK() {
		p := problem{
			Title:  "Check-in Rejected",
			Status: http.StatusConflict,
			Reason: string(out.Rejection),
		}
		if out.RetryAfter > 0 {
			secs := retryAfterSeconds(out.RetryAfter)
			p.RetryAfterSeconds = &secs
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
		writeProblemBody(w, p)
		return
	}
	writeJSON(w, http.StatusCreated, out.Record)
}

func (h *Handlers) checkInHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	recs, total, err := h.S.CheckInHistory(r.Context(), user)
	if err != nil {
		fail(w, err)
		return
	}
	if recs == nil {
		recs = []domain.CheckInRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkins": recs, "merit_total": total})
}

func (h *Handlers) checkInStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	st, err := h.S.CheckInStatus(r.Context(), user, chi.URLParam(r, "place"))
	if err != nil {
		fail(w, err)
		return
	}
	body := map[string]any{"eligible": st.Eligible}
	if st.Remaining != nil {
		body["retry_after_seconds"] = retryAfterSeconds(*st.Remaining)
	}
	writeJSON(w, http.StatusOK, body)
}

/********** admin **********/

func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminKey == "" {
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin endpoints are disabled")
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminKey)) != 1 {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or wrong X-Admin-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type correctReq struct {
	Timestamp *time.Time `json:"timestamp" validate:"required"`
}

func (h *Handlers) correctCheckIn(w http.ResponseWriter, r *http.Request) {
	var req correctReq
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.S.CorrectCheckInTimestamp(r.Context(), chi.URLParam(r, "id"), *req.Timestamp)
	if err != nil {
		fail(w, err)
		return
	}
	log.Info().Str("checkin", rec.ID).Time("ts", rec.Timestamp).Msg("check-in timestamp corrected by admin")
	writeJSON(w, http.StatusOK, rec)
}
