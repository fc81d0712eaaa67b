package observ

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentHealth(t *testing.T) {
	SetStaleAfter(time.Minute)
	now := time.Now()

	MarkCycle(now.Add(-10*time.Second), "TRADING")
	assert.Equal(t, "healthy", CurrentHealth(now).Status)

	MarkCycle(now.Add(-2*time.Minute), "TRADING")
	assert.Equal(t, "degraded", CurrentHealth(now).Status)

	MarkCycle(now, "PAUSED")
	h := CurrentHealth(now)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "PAUSED", h.Mode)
}

func TestHealthHandler(t *testing.T) {
	MarkCycle(time.Now(), "TRADING")

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var h HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "TRADING", h.Mode)
	assert.NotEmpty(t, h.LastCycle)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
}
