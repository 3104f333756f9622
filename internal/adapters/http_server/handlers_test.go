package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mutelu/internal/app"
	"mutelu/internal/domain"
	"mutelu/internal/storage/memory"
)

type noRoute struct{}

func (noRoute) Route(context.Context, domain.Coord, domain.Coord, domain.TransportMode) (float64, error) {
	return 0, errors.New("offline")
}

var shrine = domain.Place{
	ID:     "P1",
	Name:   domain.LocalizedText{EN: "Erawan Shrine"},
	Coord:  domain.Coord{Lat: 13.7444, Lon: 100.5405},
	Tags:   []string{"wealth"},
	Rating: 4.7,
}

func newTestServer(t *testing.T, adminKey string, opts Options) http.Handler {
	t.Helper()
	store := memory.New()
	tracker := app.NewTracker(store, nil, time.Minute, app.PolicyAccumulate)
	ledger := app.NewLedger(store, tracker, app.DefaultLedgerConfig())
	rcfg := app.DefaultResolverConfig()
	svc := app.NewService(app.NewCatalog([]domain.Place{shrine}), tracker, nil,
		app.NewDispatcher(app.NewResolver(noRoute{}, rcfg)), ledger, app.DefaultServiceConfig())

	s := New(opts)
	s.MountHandlers(&Handlers{S: svc, AdminKey: adminKey})
	return s.Mux()
}

func call(h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var p problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func TestHealthz(t *testing.T) {
	rr := call(newTestServer(t, "", Options{}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestHandlers_BadRequests(t *testing.T) {
	h := newTestServer(t, "", Options{})
	for _, tc := range []struct {
		name, method, path, body string
		status                   int
	}{
		{"top out of range", http.MethodGet, "/v1/places/top-rated?top=0", "", 400},
		{"top not a number", http.MethodGet, "/v1/places/top-rated?top=x", "", 400},
		{"unknown kind", http.MethodPost, "/v1/users/u/interactions", `{"place_id":"P1","kind":"like"}`, 400},
		{"unknown place", http.MethodPost, "/v1/users/u/interactions", `{"place_id":"P9","kind":"view"}`, 404},
		{"unknown field", http.MethodPost, "/v1/users/u/interactions", `{"place_id":"P1","kind":"view","x":1}`, 400},
		{"bad json", http.MethodPost, "/v1/users/u/interactions", `{`, 400},
		{"bad strategy", http.MethodGet, "/v1/users/u/recommendations?mode=random", "", 400},
		{"unknown seed", http.MethodGet, "/v1/users/u/recommendations?mode=seed&seed=P9", "", 404},
		{"bad exclude_visited", http.MethodGet, "/v1/users/u/recommendations?exclude_visited=maybe", "", 400},
		{"missing origin", http.MethodPost, "/v1/distances", `{"place_ids":["P1"]}`, 400},
		{"no place ids", http.MethodPost, "/v1/distances", `{"origin":{"lat":13.7,"lon":100.5},"place_ids":[]}`, 400},
		{"bad distance mode", http.MethodPost, "/v1/distances", `{"origin":{"lat":13.7,"lon":100.5},"place_ids":["P1"],"mode":"boat"}`, 400},
		{"latitude out of range", http.MethodPost, "/v1/distances", `{"origin":{"lat":91,"lon":100.5},"place_ids":["P1"]}`, 400},
		{"nearest without coords", http.MethodGet, "/v1/users/u/nearest", "", 400},
		{"nearest bad mode", http.MethodGet, "/v1/users/u/nearest?lat=13.7&lon=100.5&mode=boat", "", 400},
		{"check-in without lat", http.MethodPost, "/v1/users/u/checkins", `{"place_id":"P1","lon":100.5}`, 400},
		{"check-in unknown place", http.MethodPost, "/v1/users/u/checkins", `{"place_id":"P9","lat":13.7,"lon":100.5}`, 404},
		{"user too long", http.MethodGet, "/v1/users/" + strings.Repeat("u", 129) + "/profile", "", 400},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rr := call(h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
			p := decodeProblem(t, rr)
			assert.Equal(t, tc.status, p.Status)
			assert.Equal(t, "about:blank", p.Type)
		})
	}
}

func TestHandlers_DistancesTooManyIDs(t *testing.T) {
	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("%q", fmt.Sprint("P", i))
	}
	body := `{"origin":{"lat":13.7,"lon":100.5},"place_ids":[` + strings.Join(ids, ",") + `]}`
	rr := call(newTestServer(t, "", Options{}), http.MethodPost, "/v1/distances", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlers_CheckInNotNearby(t *testing.T) {
	h := newTestServer(t, "", Options{})
	rr := call(h, http.MethodPost, "/v1/users/u/checkins", `{"place_id":"P1","lat":13.7,"lon":100.5,"distance_m":60000}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	p := decodeProblem(t, rr)
	assert.Equal(t, "not_nearby", p.Reason)
	assert.Nil(t, p.RetryAfterSeconds)
	assert.Empty(t, rr.Header().Get("Retry-After"))

	// an explicit verdict wins over the computed distance
	rr = call(h, http.MethodPost, "/v1/users/u/checkins", `{"place_id":"P1","lat":18.78,"lon":98.98,"proximity_ok":true}`)
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestHandlers_CheckInComputesDistanceFromCoordinates(t *testing.T) {
	h := newTestServer(t, "", Options{})
	// Chiang Mai is far outside the 50 km radius around the shrine
	rr := call(h, http.MethodPost, "/v1/users/u/checkins", `{"place_id":"P1","lat":18.78,"lon":98.98}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "not_nearby", decodeProblem(t, rr).Reason)

	rr = call(h, http.MethodPost, "/v1/users/u/checkins", `{"place_id":"P1","lat":13.7445,"lon":100.5404}`)
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = call(h, http.MethodPost, "/v1/users/u/checkins", `{"place_id":"P1","lat":13.7445,"lon":100.5404}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	p := decodeProblem(t, rr)
	assert.Equal(t, "cooldown_active", p.Reason)
	require.NotNil(t, p.RetryAfterSeconds)
	assert.Equal(t, fmt.Sprint(*p.RetryAfterSeconds), rr.Header().Get("Retry-After"))
}

func TestHandlers_EmptyHistory(t *testing.T) {
	rr := call(newTestServer(t, "", Options{}), http.MethodGet, "/v1/users/nobody/checkins", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"checkins":[],"merit_total":0}`, rr.Body.String())
}

func TestHandlers_Admin(t *testing.T) {
	body := `{"timestamp":"2026-01-01T00:00:00Z"}`

	rr := call(newTestServer(t, "", Options{}), http.MethodPatch, "/v1/admin/checkins/x", body, "X-Admin-Key", "anything")
	assert.Equal(t, http.StatusForbidden, rr.Code, "disabled without a key")

	h := newTestServer(t, "s3cret", Options{})
	rr = call(h, http.MethodPatch, "/v1/admin/checkins/x", body, "X-Admin-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = call(h, http.MethodPatch, "/v1/admin/checkins/x", body, "X-Admin-Key", "s3cret")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = call(h, http.MethodPatch, "/v1/admin/checkins/x", `{}`, "X-Admin-Key", "s3cret")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "timestamp is required")
}

func TestHandlers_PlacesETag(t *testing.T) {
	h := newTestServer(t, "", Options{})
	rr := call(h, http.MethodGet, "/v1/places/top-rated?top=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	etag := rr.Header().Get("ETag")
	require.True(t, strings.HasPrefix(etag, `W/"`))

	rr = call(h, http.MethodGet, "/v1/places/top-rated?top=1", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rr.Code)
	assert.Zero(t, rr.Body.Len())
}

func TestCalcETagAndBody_StableForEqualValues(t *testing.T) {
	a, body := calcETagAndBody(map[string]int{"a": 1, "b": 2})
	b, _ := calcETagAndBody(map[string]int{"b": 2, "a": 1})
	assert.Equal(t, a, b)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(body))
}

func TestServer_RateLimitByIP(t *testing.T) {
	h := newTestServer(t, "", Options{RateLimit: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, call(h, http.MethodGet, "/healthz", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, call(h, http.MethodGet, "/healthz", "").Code)
}

func TestHandlers_StatusForFreshPair(t *testing.T) {
	rr := call(newTestServer(t, "", Options{}), http.MethodGet, "/v1/users/u/checkins/P1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"eligible":true}`, rr.Body.String())
}
