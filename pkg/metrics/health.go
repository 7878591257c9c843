package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// criticalComponents must all have reported healthy before the host
// advertises readiness: without storage, the coordination store and
// the device gateway there is nothing to serve.
var criticalComponents = []string{"storage", "coord", "gateway"}

type componentReport struct {
	healthy bool
	message string
	updated time.Time
}

type healthState struct {
	mu         sync.RWMutex
	components map[string]componentReport
	version    string
	started    time.Time
}

var health = &healthState{
	components: make(map[string]componentReport),
	started:    time.Now(),
}

// Status is the JSON body served by the health endpoints.
type Status struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// SetVersion records the build version echoed by the health endpoints.
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterComponent records a component's health report. Components
// report once at startup and again whenever their state changes; a
// repeated call overwrites the previous report.
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = componentReport{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

// snapshotHealth aggregates every reported component: one unhealthy
// report makes the whole host unhealthy.
func snapshotHealth() Status {
	health.mu.RLock()
	defer health.mu.RUnlock()

	st := Status{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(health.components)),
		Version:    health.version,
		Uptime:     time.Since(health.started).String(),
	}
	for name, report := range health.components {
		if report.healthy {
			st.Components[name] = "ok"
			continue
		}
		st.Status = "unhealthy"
		st.Components[name] = "down: " + report.message
	}
	return st
}

// snapshotReadiness checks the critical components only. A critical
// component that has not reported yet counts as not ready, so the host
// stays out of rotation until startup completes.
func snapshotReadiness() Status {
	health.mu.RLock()
	defer health.mu.RUnlock()

	st := Status{
		Status:     "ready",
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(criticalComponents)),
		Version:    health.version,
		Uptime:     time.Since(health.started).String(),
	}
	for _, name := range criticalComponents {
		report, reported := health.components[name]
		switch {
		case !reported:
			st.Status = "not_ready"
			st.Message = "waiting for " + name
			st.Components[name] = "not registered"
		case !report.healthy:
			st.Status = "not_ready"
			st.Message = "waiting for " + name
			st.Components[name] = "down: " + report.message
		default:
			st.Components[name] = "ready"
		}
	}
	return st
}

func writeStatus(w http.ResponseWriter, st Status, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}

// HealthHandler serves the /health endpoint.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := snapshotHealth()
		code := http.StatusOK
		if st.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, st, code)
	}
}

// ReadyHandler serves the /ready endpoint.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := snapshotReadiness()
		code := http.StatusOK
		if st.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, st, code)
	}
}

// LivenessHandler serves /live: a 200 whenever the process can answer.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.started).String(),
		})
	}
}
