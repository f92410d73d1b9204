package service

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthzServer_Handle(t *testing.T) {
	tests := []struct {
		name    string
		healthy HealthChecker
		status  int
		body    string
	}{
		{name: "no checker", healthy: nil, status: http.StatusOK, body: "OK"},
		{name: "healthy", healthy: func() bool { return true }, status: http.StatusOK, body: "OK"},
		{name: "unhealthy", healthy: func() bool { return false }, status: http.StatusServiceUnavailable, body: "FAIL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &HealthzServer{healthy: tt.healthy}
			rec := httptest.NewRecorder()
			h.Handle(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			res := rec.Result()
			body, err := io.ReadAll(res.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.body, string(body))
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, HealthzHost, s.config.HealthzHost)
	assert.Equal(t, HealthzPort, s.config.HealthzPort)
	assert.Zero(t, s.config.MetricsPort)
}

func TestShutdownBeforeStart(t *testing.T) {
	s := New(Config{})
	s.Shutdown()
}
