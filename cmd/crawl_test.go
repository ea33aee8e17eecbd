package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunCrawlCommandCompletes runs the one-shot crawl against a local site
// and waits on the close signal it subscribes to.
func TestRunCrawlCommandCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Home</title></head><body></body></html>`))
	}))
	t.Cleanup(server.Close)

	err := runCrawlCommand(context.Background(), server.URL, 1)
	require.NoError(t, err)
}

func TestRunCrawlCommandDeclinedSeed(t *testing.T) {
	err := runCrawlCommand(context.Background(), "spider://unregistered", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler")
}
