package api_test

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotedesk/internal/api"
	"quotedesk/internal/briefagent"
	"quotedesk/internal/market"
	"quotedesk/internal/metrics"
	"quotedesk/internal/notify"
	"quotedesk/internal/scheduler"
	"quotedesk/internal/store"
)

type fixture struct {
	h     *server.Hertz
	sched *scheduler.Scheduler
	quote *market.Store
	m     *metrics.Metrics
}

func newFixture(t *testing.T, withJournal bool) *fixture {
	t.Helper()
	src := market.NewSyntheticSource(market.DefaultSyntheticConfig(), market.WithRand(rand.New(rand.NewPCG(7, 9))))
	quotes := market.NewStore()
	bus := notify.New(nil)
	m := metrics.New()
	m.Attach(bus)

	deps := api.Deps{
		Quotes:  quotes,
		Metrics: m,
		Brief:   briefagent.New(briefagent.Config{}, nil),
	}
	if withJournal {
		st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		store.NewJournal(st, nil).Attach(bus)
		deps.Journal = st
	}
	sched := scheduler.New(src, quotes, bus, scheduler.Config{Interval: time.Hour})
	deps.Scheduler = sched
	t.Cleanup(bus.Close)

	h := server.New()
	api.RegisterRoutes(h, deps)
	return &fixture{h: h, sched: sched, quote: quotes, m: m}
}

func (f *fixture) do(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var b *ut.Body
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		b = &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)}
	}
	w := ut.PerformRequest(f.h.Engine, method, url, b, ut.Header{Key: "Content-Type", Value: "application/json"})
	resp := w.Result()
	out := map[string]any{}
	if bytes.HasPrefix(resp.Body(), []byte("{")) {
		require.NoError(t, json.Unmarshal(resp.Body(), &out))
	}
	return resp.StatusCode(), out
}

func TestQuotesAfterManualRefresh(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, false)

	// Act
	status, body := f.do(t, "POST", "/api/v1/refresh", nil)

	// Assert
	require.Equal(t, 202, status)
	assert.Equal(t, true, body["triggered"])

	status, body = f.do(t, "GET", "/api/v1/quotes", nil)
	require.Equal(t, 200, status)
	assert.InDelta(t, 14, body["count"], 0)

	status, body = f.do(t, "GET", "/api/v1/quotes?segment=chinext", nil)
	require.Equal(t, 200, status)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, "chinext", it.(map[string]any)["segment"])
		assert.NotContains(t, it.(map[string]any), "candles")
	}

	status, _ = f.do(t, "GET", "/api/v1/quotes?segment=nasdaq", nil)
	assert.Equal(t, 400, status)
}

func TestQuoteDetailCandlesAndTicks(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, false)
	require.True(t, f.sched.TriggerRefresh(t.Context()))
	want, ok := f.quote.Get("600519")
	require.True(t, ok)

	// Act
	status, body := f.do(t, "GET", "/api/v1/quotes/600519", nil)

	// Assert
	require.Equal(t, 200, status)
	item := body["item"].(map[string]any)
	assert.Equal(t, "贵州茅台", item["name"])
	assert.InDelta(t, want.Quote.ChangePercent(), item["change_pct"], 1e-9)

	status, body = f.do(t, "GET", "/api/v1/quotes/600519/candles", nil)
	require.Equal(t, 200, status)
	assert.Len(t, body["items"], 30)

	status, body = f.do(t, "GET", "/api/v1/quotes/600519/ticks", nil)
	require.Equal(t, 200, status)
	assert.Len(t, body["items"], 120)

	status, body = f.do(t, "GET", "/api/v1/quotes/999999", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, false, body["ok"])
}

func TestRefreshInterval(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, false)

	// Act
	rejected, _ := f.do(t, "PUT", "/api/v1/refresh/interval", map[string]any{"interval_ms": 0})
	accepted, _ := f.do(t, "PUT", "/api/v1/refresh/interval", map[string]any{"interval_ms": 2000})
	_, body := f.do(t, "GET", "/api/v1/refresh/interval", nil)

	// Assert
	assert.Equal(t, 400, rejected)
	assert.Equal(t, 200, accepted)
	assert.InDelta(t, 2000, body["interval_ms"], 0)
	assert.Equal(t, 2*time.Second, f.sched.Interval())
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.sched.TriggerRefresh(t.Context())

	status, body := f.do(t, "GET", "/healthz", nil)

	require.Equal(t, 200, status)
	assert.InDelta(t, 14, body["instruments"], 0)
	assert.Equal(t, false, body["running"])
	stats := body["stats"].(map[string]any)
	assert.InDelta(t, 1, stats["refreshes"], 0)
}

func TestJournalRoutes(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, true)
	f.sched.TriggerRefresh(t.Context())

	// Act / Assert: the journal subscriber writes asynchronously.
	require.Eventually(t, func() bool {
		_, body := f.do(t, "GET", "/api/v1/journal?code=600000", nil)
		items, _ := body["items"].([]any)
		return len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, body := f.do(t, "GET", "/api/v1/refreshes", nil)
		items, _ := body["items"].([]any)
		return status == 200 && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := f.do(t, "GET", "/api/v1/journal?limit=-1", nil)
	assert.Equal(t, 400, status)

	status, _ = f.do(t, "GET", "/api/v1/events?date=2024-03-15", nil)
	assert.Equal(t, 200, status)
}

func TestOptionalComponentsUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	for _, tc := range []struct{ method, url string }{
		{"GET", "/api/v1/journal"},
		{"GET", "/api/v1/alerts"},
		{"GET", "/api/v1/mirror/600000"},
	} {
		status, _ := f.do(t, tc.method, tc.url, nil)
		assert.Equal(t, 503, status, tc.url)
	}
	status, _ := f.do(t, "POST", "/api/v1/push/test", map[string]string{"title": "t"})
	assert.Equal(t, 503, status)
}

func TestBriefAndMetrics(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, false)
	f.sched.TriggerRefresh(t.Context())

	// Act
	status, body := f.do(t, "GET", "/api/v1/brief", nil)

	// Assert
	require.Equal(t, 200, status)
	brief := body["brief"].(map[string]any)
	assert.Equal(t, briefagent.ModeFallback, brief["mode"])
	assert.InDelta(t, 14, brief["instruments"], 0)

	// /metrics is mounted through the net/http adaptor, which needs a live
	// connection; the handler it wraps is checked directly.
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		f.m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Code == http.StatusOK &&
			bytes.Contains(rec.Body.Bytes(), []byte(`quotedesk_refresh_total{result="ok",source="synthetic"} 1`))
	}, 2*time.Second, 10*time.Millisecond)
}
