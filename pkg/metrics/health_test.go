package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	health = &healthState{
		components: make(map[string]componentReport),
		started:    time.Now(),
	}
}

func serve(t *testing.T, handler http.HandlerFunc, path string) (int, Status) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	handler(w, req)

	var st Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	return w.Code, st
}

func TestHealthAggregatesComponents(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")

	RegisterComponent("storage", true, "")
	RegisterComponent("coord", true, "")

	code, st := serve(t, HealthHandler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, "ok", st.Components["storage"])
	assert.NotEmpty(t, st.Uptime)
}

func TestHealthOneComponentDown(t *testing.T) {
	resetHealth()

	RegisterComponent("storage", true, "")
	RegisterComponent("coord", false, "connection refused")

	code, st := serve(t, HealthHandler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", st.Status)
	assert.Equal(t, "down: connection refused", st.Components["coord"])
	assert.Equal(t, "ok", st.Components["storage"])
}

func TestHealthReportOverwrite(t *testing.T) {
	resetHealth()

	RegisterComponent("gateway", true, "")
	RegisterComponent("gateway", false, "listener closed")

	_, st := serve(t, HealthHandler(), "/health")
	assert.Equal(t, "unhealthy", st.Status)
	assert.Equal(t, "down: listener closed", st.Components["gateway"])
}

func TestReadinessRequiresAllCritical(t *testing.T) {
	resetHealth()

	RegisterComponent("storage", true, "")
	RegisterComponent("coord", true, "")
	RegisterComponent("gateway", true, "")

	code, st := serve(t, ReadyHandler(), "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", st.Status)
}

func TestReadinessUnregisteredCritical(t *testing.T) {
	resetHealth()

	RegisterComponent("storage", true, "")
	// coord and gateway never report

	code, st := serve(t, ReadyHandler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", st.Status)
	assert.NotEmpty(t, st.Message)
	assert.Equal(t, "not registered", st.Components["coord"])
}

func TestReadinessCriticalDown(t *testing.T) {
	resetHealth()

	RegisterComponent("storage", false, "db not open")
	RegisterComponent("coord", true, "")
	RegisterComponent("gateway", true, "")

	code, st := serve(t, ReadyHandler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", st.Status)
	assert.Equal(t, "down: db not open", st.Components["storage"])
}

func TestReadinessIgnoresNonCritical(t *testing.T) {
	resetHealth()

	RegisterComponent("storage", true, "")
	RegisterComponent("coord", true, "")
	RegisterComponent("gateway", true, "")
	RegisterComponent("reconciler", false, "sweep stuck")

	code, st := serve(t, ReadyHandler(), "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", st.Status)
	assert.NotContains(t, st.Components, "reconciler")
}

func TestLiveness(t *testing.T) {
	resetHealth()

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
