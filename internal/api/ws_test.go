package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/engine"
	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/store"
	"github.com/crawlmux/crawlmux/internal/store/memory"
)

type wsFixture struct {
	conn     *websocket.Conn
	jobStore *memory.JobStore
	pages    *memory.PageStore
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	jobStore := memory.NewJobStore()
	pages := memory.NewPageStore()
	b := bus.New(zap.NewNop())
	registry := jobs.NewRegistry(jobs.Config{
		Bus:            b,
		DefaultFactory: engine.FakeFactory,
		Logger:         zap.NewNop(),
	})
	srv := NewServer(registry, jobStore, pages, b, zap.NewNop())
	srv.sessionPollBackoff = 10 * time.Millisecond

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsFixture{conn: conn, jobStore: jobStore, pages: pages}
}

func (f *wsFixture) call(t *testing.T, id int, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"id":     id,
		"method": method,
		"params": json.RawMessage(raw),
	}))
}

// next reads one message, whatever its kind.
func (f *wsFixture) next(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, f.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, f.conn.ReadJSON(&msg))
	return msg
}

// awaitResponse skips streamed events until the RPC response arrives.
func (f *wsFixture) awaitResponse(t *testing.T) map[string]any {
	t.Helper()
	for {
		msg := f.next(t)
		if _, ok := msg["event"]; !ok {
			return msg
		}
	}
}

// awaitEvent skips other traffic until the named event arrives.
func (f *wsFixture) awaitEvent(t *testing.T, name string) map[string]any {
	t.Helper()
	for {
		msg := f.next(t)
		if msg["event"] == name {
			return msg
		}
	}
}

func TestWSSubscribeToJobsStreamsTailedDocs(t *testing.T) {
	t.Parallel()
	f := newWSFixture(t)
	ctx := context.Background()

	f.call(t, 1, "subscribe_to_jobs", map[string]any{"include": []string{"127.0.0.1"}})
	resp := f.awaitResponse(t)
	subID := resp["result"].(map[string]any)["subscription_id"].(string)
	require.NotEmpty(t, subID)

	_, err := f.jobStore.Insert(ctx, store.JobDoc{
		CrawlID: 1,
		Seed:    "http://127.0.0.1:8000/",
		Status:  store.JobStatusRunning,
	})
	require.NoError(t, err)

	evt := f.awaitEvent(t, "jobs.tailed")
	doc := evt["data"].(map[string]any)
	assert.Equal(t, "http://127.0.0.1:8000/", doc["urls"])

	f.call(t, 2, "cancel_subscription", map[string]any{"subscription_id": subID})
	resp = f.awaitResponse(t)
	assert.Equal(t, true, resp["result"])

	f.call(t, 3, "cancel_subscription", map[string]any{"subscription_id": subID})
	resp = f.awaitResponse(t)
	assert.Equal(t, false, resp["result"])
}

func TestWSSubscribeToPagesGroupForm(t *testing.T) {
	t.Parallel()
	f := newWSFixture(t)
	ctx := context.Background()

	jobID, err := f.jobStore.Insert(ctx, store.JobDoc{
		CrawlID: 1,
		Seed:    "http://example.com",
		Status:  store.JobStatusRunning,
	})
	require.NoError(t, err)

	f.call(t, 1, "subscribe_to_pages", map[string]any{
		"url_groups": map[string]any{
			"g1": map[string]any{"http://example.com": nil},
		},
	})
	resp := f.awaitResponse(t)
	ids := resp["result"].(map[string]any)["subscription_ids"].(map[string]any)
	require.Contains(t, ids, "g1")

	_, err = f.pages.Insert(ctx, store.PageDoc{
		JobID: jobID,
		URL:   "http://example.com/index",
	})
	require.NoError(t, err)

	evt := f.awaitEvent(t, "pages.tailed")
	page := evt["data"].(map[string]any)
	assert.Equal(t, "http://example.com/index", page["url"])
}

func TestWSUnknownMethodFault(t *testing.T) {
	t.Parallel()
	f := newWSFixture(t)

	f.call(t, 1, "explode", nil)
	resp := f.awaitResponse(t)
	fault := resp["fault"].(map[string]any)
	assert.Equal(t, FaultUnknownMethod, fault["reason"])
}

func TestWSSetMaxMessageSizeValidation(t *testing.T) {
	t.Parallel()
	f := newWSFixture(t)

	f.call(t, 1, "set_max_message_size", map[string]any{"max_size_bytes": 0})
	resp := f.awaitResponse(t)
	fault := resp["fault"].(map[string]any)
	assert.Equal(t, FaultBadRequest, fault["reason"])

	f.call(t, 2, "set_max_message_size", map[string]any{"max_size_bytes": 2048})
	resp = f.awaitResponse(t)
	assert.Equal(t, true, resp["result"])
}

func TestWSSubscribeToPagesRequiresPatterns(t *testing.T) {
	t.Parallel()
	f := newWSFixture(t)

	f.call(t, 1, "subscribe_to_pages", map[string]any{})
	resp := f.awaitResponse(t)
	fault := resp["fault"].(map[string]any)
	assert.Equal(t, FaultBadRequest, fault["reason"])
}
