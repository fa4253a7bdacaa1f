package http_test

import (
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonscope/internal/records"
	"carbonscope/internal/settings"
	"carbonscope/internal/testsupport"
)

func setupStatsApp(t *testing.T) *testsupport.TestApp {
	t.Helper()
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	testsupport.CleanAllTables(db)
	require.NoError(t, settings.SetupDefaultSettings(db))
	return testsupport.CreateMinimalTestApp(t, db)
}

func getJSON(t *testing.T, app *testsupport.TestApp, path string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest("GET", path, nil)
	resp, err := app.App.Test(req, 30000)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	return resp.StatusCode, out
}

func ingestVisit(t *testing.T, app *testsupport.TestApp, id, origin string, ts time.Time, bytes int64, grams float64) {
	t.Helper()
	_, err := app.Coordinator.Ingest(records.VisitRecord{
		ID:            id,
		Origin:        origin,
		Timestamp:     ts,
		TransferBytes: bytes,
		CO2Grams:      grams,
		Country:       "DE",
	})
	require.NoError(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	app := setupStatsApp(t)

	status, body := getJSON(t, app, "/_health")
	assert.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestDailyStatsFixedWidth(t *testing.T) {
	app := setupStatsApp(t)
	now := time.Now().UTC()

	ingestVisit(t, app, "a", "shop.example.com", now, 1000, 0.5)
	ingestVisit(t, app, "b", "shop.example.com", now.AddDate(0, 0, -1), 2000, 0.2)

	status, body := getJSON(t, app, "/api/v1/stats/daily?days=3")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, float64(3), body["days"])

	series := body["series"].([]interface{})
	require.Len(t, series, 3)

	// Oldest first, today last.
	last := series[2].(map[string]interface{})
	assert.Equal(t, now.Format(time.DateOnly), last["date"])
	assert.Equal(t, float64(1), last["visitCount"])

	middle := series[1].(map[string]interface{})
	assert.Equal(t, float64(2000), middle["totalBytes"])

	first := series[0].(map[string]interface{})
	assert.Equal(t, float64(0), first["visitCount"])
}

func TestDailyStatsClampsDays(t *testing.T) {
	app := setupStatsApp(t)

	status, body := getJSON(t, app, "/api/v1/stats/daily?days=0")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, float64(7), body["days"])

	status, body = getJSON(t, app, "/api/v1/stats/daily?days=9999")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, float64(365), body["days"])
}

func TestTopOriginsRankingAndAlertState(t *testing.T) {
	app := setupStatsApp(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		ingestVisit(t, app, fmt.Sprintf("big-%d", i), "big.example.com", now, 5000, 0.5)
	}
	ingestVisit(t, app, "small", "small.example.com", now, 100, 0.1)

	status, body := getJSON(t, app, "/api/v1/stats/origins?top=10")
	require.Equal(t, nethttp.StatusOK, status)

	origins := body["origins"].([]interface{})
	require.Len(t, origins, 2)

	top := origins[0].(map[string]interface{})
	assert.Equal(t, "big.example.com", top["origin"])
	assert.Equal(t, float64(3), top["visitCount"])
	assert.Equal(t, float64(15000), top["totalBytes"])
	assert.Equal(t, "idle", top["alertState"])
}

func TestVisitsExport(t *testing.T) {
	app := setupStatsApp(t)
	now := time.Now().UTC()

	ingestVisit(t, app, "a", "shop.example.com", now, 1000, 0.5)

	status, body := getJSON(t, app, "/api/v1/visits")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	visits := body["visits"].([]interface{})
	require.Len(t, visits, 1)
	visit := visits[0].(map[string]interface{})
	assert.Equal(t, "a", visit["id"])
	assert.Equal(t, "shop.example.com", visit["origin"])
	assert.Equal(t, "DE", visit["country"])
	assert.Equal(t, "Germany", visit["countryName"])
}

func TestSummary(t *testing.T) {
	app := setupStatsApp(t)
	now := time.Now().UTC()

	ingestVisit(t, app, "a", "shop.example.com", now, 1000, 0.5)
	ingestVisit(t, app, "b", "blog.example.com", now, 500, 0.1)

	status, body := getJSON(t, app, "/api/v1/stats/summary")
	require.Equal(t, nethttp.StatusOK, status)

	assert.Equal(t, float64(2), body["logSize"])

	totals := body["totals"].(map[string]interface{})
	assert.Equal(t, float64(2), totals["visitCount"])
	assert.Equal(t, float64(1500), totals["totalBytes"])

	topOrigins := body["topOrigins"].([]interface{})
	assert.Len(t, topOrigins, 2)
}

func TestAdminReset(t *testing.T) {
	app := setupStatsApp(t)
	now := time.Now().UTC()

	ingestVisit(t, app, "a", "shop.example.com", now, 1000, 0.5)
	require.Equal(t, 1, app.Coordinator.LogSize())

	req := httptest.NewRequest("POST", "/api/v1/admin/reset", nil)
	resp, err := app.App.Test(req, 30000)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)

	assert.Equal(t, 0, app.Coordinator.LogSize())
	assert.Equal(t, int64(0), app.Coordinator.Totals().VisitCount)
}
