package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/drip-engine/internal/config"
)

func testConfig(t *testing.T, redisURL string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromEnv("")
	require.NoError(t, err)
	cfg.Database.URL = ""
	cfg.Redis.URL = redisURL
	cfg.Delivery.DryRun = true
	cfg.Delivery.SystemSender = "bounces@drip.example.com"
	cfg.Tracking.BaseURL = "https://track.example.com"
	return cfg
}

func TestNewInMemory(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, ""))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Queue)
	assert.Nil(t, a.Pool(), "no pool without a queue")
	assert.NotNil(t, a.Sweeper())

	rec := httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.TrackingHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(context.Background(), testConfig(t, "redis://"+mr.Addr()))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Queue)
	assert.NotNil(t, a.Pool())

	n, err := a.Queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	_, err := New(context.Background(), testConfig(t, "not-a-url://"))
	assert.Error(t, err)
}

func TestNewRejectsBadTrackingURL(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Tracking.BaseURL = "::bad"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
