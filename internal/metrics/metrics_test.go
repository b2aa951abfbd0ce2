package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotedesk/internal/market"
	"quotedesk/internal/metrics"
	"quotedesk/internal/notify"
)

func TestRefreshMetrics(t *testing.T) {
	t.Parallel()

	// Arrange
	m := metrics.New()
	bus := notify.New(nil)
	m.Attach(bus)
	snap := market.NewSnapshot(time.Now())
	snap.Put(market.NewInstrument("600000", "PF Bank"))
	snap.Put(market.NewInstrument("000001", "Ping An"))

	// Act
	bus.PublishError(notify.ErrorEvent{Source: "http", Err: errors.New("down"), ConsecutiveFailures: 1, Elapsed: time.Second})
	bus.PublishError(notify.ErrorEvent{Source: "http", Err: errors.New("down"), ConsecutiveFailures: 2, Elapsed: time.Second})
	bus.Publish(notify.Event{Source: "http", Snapshot: snap, Elapsed: 20 * time.Millisecond})
	bus.Close()

	// Assert
	assert.InDelta(t, 2, testutil.ToFloat64(m.RefreshTotal.WithLabelValues("http", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RefreshTotal.WithLabelValues("http", "ok")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Instruments), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConsecutiveFailures), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.RefreshDuration))
}

func TestConsecutiveFailuresGauge(t *testing.T) {
	t.Parallel()

	m := metrics.New()

	m.OnError(notify.ErrorEvent{Source: "synthetic", ConsecutiveFailures: 4})

	assert.InDelta(t, 4, testutil.ToFloat64(m.ConsecutiveFailures), 0)
}

func TestHandlerServesTextFormat(t *testing.T) {
	t.Parallel()

	// Arrange
	m := metrics.New()
	m.ObserveAlert("sent")
	m.ObserveAlert("sent")
	m.ObserveAlert("suppressed")
	rec := httptest.NewRecorder()

	// Act
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	// Assert
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `quotedesk_alerts_total{status="sent"} 2`)
	assert.Contains(t, string(body), `quotedesk_alerts_total{status="suppressed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
