package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// TestHealthEndpoint tests the /health endpoint and its method handling
func TestHealthEndpoint(t *testing.T) {
	metrics.ResetHealth()
	metrics.SetVersion("test")
	s := NewServer()

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request succeeds", http.MethodGet, http.StatusOK},
		{"POST request fails", http.MethodPost, http.StatusMethodNotAllowed},
		{"DELETE request fails", http.MethodDelete, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(s, tt.method, "/health")
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
				assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

				var response metrics.HealthStatus
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, "test", response.Version)
				assert.False(t, response.Timestamp.IsZero())
			}
		})
	}
}

// TestReadyEndpoint tests readiness against the critical components
func TestReadyEndpoint(t *testing.T) {
	metrics.ResetHealth()
	metrics.SetCritical("binding", "ledger")
	s := NewServer()

	w := serve(s, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "not_ready", response.Status)
	assert.Equal(t, "not registered", response.Components["binding"])
	assert.NotEmpty(t, response.Message)

	metrics.RegisterComponent("binding", true, "serving")
	metrics.RegisterComponent("ledger", true, "open")

	w = serve(s, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestRoutes tests the registered routes
func TestRoutes(t *testing.T) {
	metrics.ResetHealth()
	s := NewServer()

	tests := []struct {
		path           string
		expectedStatus int
	}{
		{path: "/health", expectedStatus: http.StatusOK},
		{path: "/ready", expectedStatus: http.StatusOK},
		{path: "/metrics", expectedStatus: http.StatusOK},
		{path: "/nonexistent", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(s, http.MethodGet, tt.path)
			assert.Equal(t, tt.expectedStatus, w.Code, "Path: %s", tt.path)
		})
	}
}

func TestMountAndHandleJSON(t *testing.T) {
	s := NewServer()
	s.Mount("/notify", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	s.HandleJSON("/clients", func() (any, error) {
		return []string{"app.1", "app.2"}, nil
	})
	s.HandleJSON("/broken", func() (any, error) {
		return nil, errors.New("ledger closed")
	})

	assert.Equal(t, http.StatusTeapot, serve(s, http.MethodGet, "/notify").Code)

	w := serve(s, http.MethodGet, "/clients")
	require.Equal(t, http.StatusOK, w.Code)
	var clients []string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&clients))
	assert.Equal(t, []string{"app.1", "app.2"}, clients)

	w = serve(s, http.MethodGet, "/broken")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "ledger closed")
}

// TestServerConcurrency tests concurrent requests to health endpoints
func TestServerConcurrency(t *testing.T) {
	s := NewServer()
	done := make(chan bool, 20)

	for i := 0; i < 10; i++ {
		go func() {
			w := serve(s, http.MethodGet, "/health")
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
			done <- true
		}()
		go func() {
			w := serve(s, http.MethodGet, "/ready")
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		<-done
	}
}

func BenchmarkHealthEndpoint(b *testing.B) {
	s := NewServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
	}
}
