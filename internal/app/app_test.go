package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlmux/crawlmux/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 0, ShutdownTimeoutSec: 1},
		Crawler:   config.CrawlerConfig{UserAgent: "test", Concurrency: 1, MaxDepthDefault: 1},
		Jobs:      config.JobsConfig{MaxFinished: 10},
		Session:   config.SessionConfig{MaxMessageSizeBytes: 1 << 20, PollBackoffMs: 10},
		Logging:   config.LoggingConfig{Development: false},
		Scheduler: config.SchedulerConfig{Enabled: false},
	}
}

func TestNewWithoutDSNUsesMemoryStores(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.Registry())
	require.NotNil(t, a.Handler())
	assert.Nil(t, a.db)
	assert.Nil(t, a.scheduler)
}

func TestHandlerServesHealth(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStopLiveJobsIgnoresFinished(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	// No live jobs: must be a no-op rather than an error.
	a.stopLiveJobs(context.Background())
}
