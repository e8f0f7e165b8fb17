package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterComponent(t *testing.T) {
	ResetHealth()

	RegisterComponent("ledger", true, "open")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["ledger"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "open", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{name: "no components", components: nil, wantStatus: "healthy"},
		{name: "all healthy", components: map[string]bool{"binding": true, "ledger": true}, wantStatus: "healthy"},
		{name: "one unhealthy", components: map[string]bool{"binding": true, "ledger": false}, wantStatus: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetHealth()
			SetVersion("1.0.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "closed")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
			assert.Equal(t, "1.0.0", health.Version)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	ResetHealth()
	SetCritical("binding", "ledger")

	ready := GetReadiness()
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "not registered", ready.Components["binding"])

	RegisterComponent("binding", true, "")
	RegisterComponent("ledger", false, "locked")
	ready = GetReadiness()
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "waiting for ledger", ready.Message)

	UpdateComponent("ledger", true, "")
	ready = GetReadiness()
	assert.Equal(t, "ready", ready.Status)
	assert.Empty(t, ready.Message)
}

func TestReadyHandler(t *testing.T) {
	ResetHealth()
	SetCritical("binding")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	RegisterComponent("binding", true, "")
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
}
