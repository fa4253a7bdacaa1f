package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonscope/internal/settings"
	"carbonscope/internal/testsupport"
)

func putJSON(t *testing.T, app *testsupport.TestApp, path string, payload any) (int, map[string]interface{}) {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest("PUT", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.App.Test(req, 30000)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

func TestGetAlertSettingsReturnsDefaults(t *testing.T) {
	app := setupStatsApp(t)

	status, body := getJSON(t, app, "/api/v1/settings/alerts")
	require.Equal(t, nethttp.StatusOK, status)

	assert.Equal(t, float64(settings.DefaultCO2ThresholdG), body["co2ThresholdG"])
	assert.Equal(t, float64(settings.DefaultWindowMinutes), body["windowMinutes"])
	assert.Equal(t, float64(settings.DefaultCooldownMinutes), body["cooldownMinutes"])
	assert.Equal(t, true, body["alertEnabled"])
}

func TestUpdateAlertSettings(t *testing.T) {
	app := setupStatsApp(t)

	payload := settings.DefaultAlertSettings()
	payload.CO2ThresholdG = 4.2
	payload.WindowMinutes = 30
	payload.AlertEnabled = false

	status, body := putJSON(t, app, "/api/v1/settings/alerts", payload)
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, 4.2, body["co2ThresholdG"])
	assert.Equal(t, float64(30), body["windowMinutes"])
	assert.Equal(t, false, body["alertEnabled"])

	// The change survives a fresh read.
	status, body = getJSON(t, app, "/api/v1/settings/alerts")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, 4.2, body["co2ThresholdG"])
}

func TestUpdateAlertSettingsNormalizesBadValues(t *testing.T) {
	app := setupStatsApp(t)

	payload := map[string]interface{}{
		"co2ThresholdG": -5,
		"windowMinutes": 0,
	}

	status, body := putJSON(t, app, "/api/v1/settings/alerts", payload)
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, float64(settings.DefaultCO2ThresholdG), body["co2ThresholdG"])
	assert.Equal(t, float64(settings.DefaultWindowMinutes), body["windowMinutes"])
}

func TestUpdateExcludedOrigins(t *testing.T) {
	app := setupStatsApp(t)

	payload := map[string]interface{}{
		"patterns": []string{" localhost ", "", `.*\.internal$`},
	}

	status, body := putJSON(t, app, "/api/v1/settings/excluded-origins", payload)
	require.Equal(t, nethttp.StatusOK, status)

	patterns := body["patterns"].([]interface{})
	require.Len(t, patterns, 2)
	assert.Equal(t, "localhost", patterns[0])
	assert.Equal(t, `.*\.internal$`, patterns[1])

	stored, err := settings.GetExcludedOriginPatterns()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost", `.*\.internal$`}, stored)
}
