// Package v1_test contains tests for the collector API handlers
package v1_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonscope/internal/settings"
	"carbonscope/internal/testsupport"
)

const testAPIKey = "test-collector-key"

func setupCollectorApp(t *testing.T) *testsupport.TestApp {
	t.Helper()
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	testsupport.CleanAllTables(db)

	require.NoError(t, settings.SetupDefaultSettings(db))
	require.NoError(t, settings.SetCollectorAPIKey(db, testAPIKey))

	return testsupport.CreateMinimalTestApp(t, db)
}

func postJSON(t *testing.T, app *testsupport.TestApp, path string, payload any, apiKey string) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := app.App.Test(req, 30000)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestCreateVisitHandler(t *testing.T) {
	t.Run("accepts a valid visit", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{
			"id":             "visit-1",
			"origin":         "shop.example.com",
			"timestamp":      time.Now().UTC(),
			"transferBytes":  1500000,
			"estimatedCO2_g": 0.54,
		}

		resp := postJSON(t, app, "/x/api/v1/visits", payload, testAPIKey)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		respBody := decodeBody(t, resp)
		assert.Equal(t, "accepted", respBody["status"])

		assert.Equal(t, 1, app.Coordinator.LogSize())
		totals := app.Coordinator.Totals()
		assert.Equal(t, int64(1), totals.VisitCount)
		assert.Equal(t, int64(1500000), totals.TotalBytes)
	})

	t.Run("replayed visit is an idempotent success", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{
			"id":             "visit-1",
			"origin":         "shop.example.com",
			"transferBytes":  1000,
			"estimatedCO2_g": 0.1,
		}

		resp := postJSON(t, app, "/x/api/v1/visits", payload, testAPIKey)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp = postJSON(t, app, "/x/api/v1/visits", payload, testAPIKey)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		respBody := decodeBody(t, resp)
		assert.Equal(t, "duplicate", respBody["status"])

		assert.Equal(t, 1, app.Coordinator.LogSize())
		assert.Equal(t, int64(1), app.Coordinator.Totals().VisitCount)
	})

	t.Run("accepts legacy field aliases", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{
			"id":    "visit-legacy",
			"host":  "legacy.example.com",
			"bytes": 2000,
			"co2":   0.2,
		}

		resp := postJSON(t, app, "/x/api/v1/visits", payload, testAPIKey)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		top := app.Coordinator.ByOrigin(1)
		require.Len(t, top, 1)
		assert.Equal(t, "legacy.example.com", top[0].Origin)
		assert.Equal(t, int64(2000), top[0].TotalBytes)
	})

	t.Run("rejects a visit without an id", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{
			"origin": "shop.example.com",
		}

		resp := postJSON(t, app, "/x/api/v1/visits", payload, testAPIKey)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		respBody := decodeBody(t, resp)
		assert.Equal(t, "INVALID_RECORD", respBody["code"])
		assert.Equal(t, 0, app.Coordinator.LogSize())
	})

	t.Run("rejects requests without an API key", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{
			"id":     "visit-1",
			"origin": "shop.example.com",
		}

		resp := postJSON(t, app, "/x/api/v1/visits", payload, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, 0, app.Coordinator.LogSize())
	})

	t.Run("rejects requests with a wrong API key", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{
			"id":     "visit-1",
			"origin": "shop.example.com",
		}

		resp := postJSON(t, app, "/x/api/v1/visits", payload, "wrong-key")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("skips visits for excluded origins", func(t *testing.T) {
		dbManager, _ := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)

		require.NoError(t, settings.SetupDefaultSettings(db))
		require.NoError(t, settings.SetCollectorAPIKey(db, testAPIKey))
		require.NoError(t, settings.UpdateSetting(db, settings.KeyExcludedOrigins, `^blocked\.example\.com$`))

		app := testsupport.CreateMinimalTestApp(t, db)

		payload := map[string]interface{}{
			"id":     "visit-1",
			"origin": "blocked.example.com",
		}

		resp := postJSON(t, app, "/x/api/v1/visits", payload, testAPIKey)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		respBody := decodeBody(t, resp)
		assert.Equal(t, "excluded", respBody["status"])
		assert.Equal(t, 0, app.Coordinator.LogSize())
	})
}

func TestActivityTickHandler(t *testing.T) {
	t.Run("active tick accumulates one second", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{"origin": "shop.example.com", "active": true}

		for i := 0; i < 3; i++ {
			resp := postJSON(t, app, "/x/api/v1/activity", payload, testAPIKey)
			require.Equal(t, http.StatusAccepted, resp.StatusCode)
		}

		assert.Equal(t, int64(3), app.Engine.ActiveSeconds("shop.example.com"))
	})

	t.Run("inactive tick accumulates nothing", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{"origin": "shop.example.com", "active": false}
		resp := postJSON(t, app, "/x/api/v1/activity", payload, testAPIKey)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		assert.Equal(t, int64(0), app.Engine.ActiveSeconds("shop.example.com"))
	})

	t.Run("rejects a tick without an origin", func(t *testing.T) {
		app := setupCollectorApp(t)

		payload := map[string]interface{}{"active": true}
		resp := postJSON(t, app, "/x/api/v1/activity", payload, testAPIKey)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateVisitDefaultsTimestampFromClock(t *testing.T) {
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	testsupport.CleanAllTables(db)
	require.NoError(t, settings.SetupDefaultSettings(db))
	require.NoError(t, settings.SetCollectorAPIKey(db, testAPIKey))

	mClock := quartz.NewMock(t)
	frozen := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	mClock.Set(frozen)
	app := testsupport.CreateTestAppWithClock(t, db, mClock)

	payload := map[string]interface{}{
		"id":             "visit-no-ts",
		"origin":         "shop.example.com",
		"transferBytes":  1500000,
		"estimatedCO2_g": 0.54,
	}

	resp := postJSON(t, app, "/x/api/v1/visits", payload, testAPIKey)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	snapshot := app.Coordinator.LogSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, frozen, snapshot[0].Timestamp)
}
