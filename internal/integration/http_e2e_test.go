//go:build integration || !unit

package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "mutelu/internal/adapters/http_server"
	redisad "mutelu/internal/adapters/redis"
	"mutelu/internal/adapters/routing"
	"mutelu/internal/app"
	"mutelu/internal/domain"
	"mutelu/internal/storage/memory"
	mysqlrepo "mutelu/internal/storage/mysql"
)

const adminKey = "e2e-admin"

var (
	erawan = domain.Place{
		ID:     domain.NewPlaceID("ศาลพระพรหมเอราวัณ", "Erawan Shrine", 13.7444, 100.5405),
		Name:   domain.LocalizedText{TH: "ศาลพระพรหมเอราวัณ", EN: "Erawan Shrine"},
		Coord:  domain.Coord{Lat: 13.7444, Lon: 100.5405},
		Tags:   []string{"wealth", "love"},
		Rating: 4.0,
	}
	arun = domain.Place{
		ID:     domain.NewPlaceID("วัดอรุณ", "Wat Arun", 13.7437, 100.4889),
		Name:   domain.LocalizedText{TH: "วัดอรุณ", EN: "Wat Arun"},
		Coord:  domain.Coord{Lat: 13.7437, Lon: 100.4889},
		Tags:   []string{"success"},
		Rating: 4.5,
	}
	trimurti = domain.Place{
		ID:     domain.NewPlaceID("พระตรีมูรติ", "Trimurti Shrine", 13.7470, 100.5395),
		Name:   domain.LocalizedText{TH: "พระตรีมูรติ", EN: "Trimurti Shrine"},
		Coord:  domain.Coord{Lat: 13.7470, Lon: 100.5395},
		Tags:   []string{"love"},
		Rating: 3.5,
	}
)

// ---------- helpers ----------
func migrationsDir() string {
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join("..", "..", "migrations")
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := migrationsDir()

	ents, err := os.ReadDir(dir)
	require.NoError(t, err, "read migrations dir %s", dir)
	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	require.NotEmpty(t, files, "no .sql files in %s", dir)
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = db.Exec(string(b))
		require.NoError(t, err, "exec %s", f)
	}
}

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker-backed test in -short mode")
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("dockertest: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env:        []string{"MYSQL_ROOT_PASSWORD=root", "MYSQL_DATABASE=mutelu"},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err, "run mysql")
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/mutelu?parseTime=true&multiStatements=true&charset=utf8mb4&loc=UTC",
		resource.GetPort("3306/tcp"))
	var db *sql.DB
	require.NoError(t, pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}), "connect mysql")
	t.Cleanup(func() { _ = db.Close() })

	applyMigrations(t, db)
	return db
}

// fakeOSRM answers every route with the same distance.
func fakeOSRM(t *testing.T, meters float64) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"code":"Ok","routes":[{"distance":%f,"duration":60}]}`, meters)
	}))
	t.Cleanup(ts.Close)
	return ts.URL
}

// newStack wires the real router, handlers and services over store, the same
// way cmd/api does, minus config loading.
func newStack(t *testing.T, store domain.Store, cache domain.Cache) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	places := []domain.Place{erawan, arun, trimurti}
	_, err := app.ImportPlaces(ctx, store, places, domain.Bangkok, 2)
	require.NoError(t, err)
	loaded, err := store.ListPlaces(ctx)
	require.NoError(t, err)

	osrm, err := routing.New(fakeOSRM(t, 1234.5), time.Second)
	require.NoError(t, err)
	rcfg := app.DefaultResolverConfig()
	resolver := app.NewResolver(routing.NewBreaker(osrm, routing.BreakerConfig{Name: t.Name()}), rcfg)

	tracker := app.NewTracker(store, cache, time.Minute, app.PolicyAccumulate)
	ledger := app.NewLedger(store, tracker, app.DefaultLedgerConfig())
	svc := app.NewService(app.NewCatalog(loaded), tracker, nil, app.NewDispatcher(resolver), ledger, app.DefaultServiceConfig())

	srv := server.New(server.Options{})
	srv.MountHandlers(&server.Handlers{S: svc, AdminKey: adminKey})
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return ts
}

type client struct {
	t    *testing.T
	base string
}

func (c client) do(method, path string, body any, hdr map[string]string) (*http.Response, map[string]any) {
	c.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()

	var out map[string]any
	if res.StatusCode != http.StatusNotModified {
		_ = json.NewDecoder(res.Body).Decode(&out)
	}
	return res, out
}

func placeIDs(v any) []string {
	var ids []string
	for _, p := range v.([]any) {
		ids = append(ids, p.(map[string]any)["id"].(string))
	}
	return ids
}

// ---------- the scenario ----------
func runJourney(t *testing.T, ts *httptest.Server) {
	c := client{t: t, base: ts.URL}

	// catalog with conditional GET
	res, body := c.do(http.MethodGet, "/v1/places", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, body["places"], 3)
	etag := res.Header.Get("ETag")
	require.NotEmpty(t, etag)
	res, _ = c.do(http.MethodGet, "/v1/places", nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, res.StatusCode)

	// a new user gets the top-rated fallback
	res, body = c.do(http.MethodGet, "/v1/users/somchai/recommendations", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "top_rated", body["strategy"])
	assert.Equal(t, true, body["profile_empty"])
	assert.Equal(t, []string{arun.ID, erawan.ID, trimurti.ID}, placeIDs(body["places"]))

	// interactions build the profile
	res, _ = c.do(http.MethodPost, "/v1/users/somchai/interactions", map[string]any{"place_id": trimurti.ID, "kind": "map_open"}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	res, body = c.do(http.MethodGet, "/v1/users/somchai/profile", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, map[string]any{"love": float64(5)}, body["scores"])

	res, body = c.do(http.MethodGet, "/v1/users/somchai/recommendations?top=1&exclude="+trimurti.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "profile", body["strategy"])
	assert.Equal(t, []string{erawan.ID}, placeIDs(body["places"]))

	// check-in, then cooldown
	in := map[string]any{"place_id": erawan.ID, "lat": 13.7445, "lon": 100.5404}
	res, body = c.do(http.MethodPost, "/v1/users/somchai/checkins", in, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	recordID := body["id"].(string)
	assert.Equal(t, float64(15), body["merit_points"])

	res, body = c.do(http.MethodPost, "/v1/users/somchai/checkins", in, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "cooldown_active", body["reason"])
	assert.NotEmpty(t, res.Header.Get("Retry-After"))

	res, body = c.do(http.MethodGet, "/v1/users/somchai/checkins/"+erawan.ID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, false, body["eligible"])
	assert.Greater(t, body["retry_after_seconds"].(float64), float64(86000))

	// check-ins feed the profile: wealth and love both get +10
	_, body = c.do(http.MethodGet, "/v1/users/somchai/profile", nil, nil)
	assert.Equal(t, map[string]any{"love": float64(15), "wealth": float64(10)}, body["scores"])

	// the admin moves the check-in back two days and the cooldown is over
	patch := map[string]any{"timestamp": time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)}
	res, _ = c.do(http.MethodPatch, "/v1/admin/checkins/"+recordID, patch, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, body = c.do(http.MethodPatch, "/v1/admin/checkins/"+recordID, patch, map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["admin_edited"])

	res, body = c.do(http.MethodGet, "/v1/users/somchai/checkins/"+erawan.ID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["eligible"])

	res, body = c.do(http.MethodGet, "/v1/users/somchai/checkins", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, body["checkins"], 1)
	assert.Equal(t, float64(15), body["merit_total"])

	// distances come back routed and in request order
	res, body = c.do(http.MethodPost, "/v1/distances", map[string]any{
		"user":      "somchai",
		"origin":    map[string]any{"lat": 13.7466, "lon": 100.5393},
		"place_ids": []string{arun.ID, "ghost", erawan.ID},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	qs := body["distances"].([]any)
	require.Len(t, qs, 3)
	assert.Equal(t, "routed", qs[0].(map[string]any)["tier"])
	assert.Equal(t, 1234.5, qs[0].(map[string]any)["meters"])
	assert.Equal(t, "unavailable", qs[1].(map[string]any)["tier"])
	assert.Equal(t, erawan.ID, qs[2].(map[string]any)["place_id"])

	res, body = c.do(http.MethodGet, "/v1/users/somchai/nearest?lat=13.7466&lon=100.5393&mode=walking", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, body["places"], 3)
}

func TestHTTP_EndToEnd_Memory(t *testing.T) {
	mr := miniredis.RunT(t)
	runJourney(t, newStack(t, memory.New(), redisad.New(mr.Addr(), "", 0)))
}

func TestHTTP_EndToEnd_MySQL(t *testing.T) {
	db := startMySQL(t)
	runJourney(t, newStack(t, mysqlrepo.New(db), nil))
}
