package kafkaquote_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"quotedesk/internal/market"
	"quotedesk/internal/notify"
	"quotedesk/internal/publish/kafkaquote"
)

func refreshEvent() notify.Event {
	ts := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	snap := market.NewSnapshot(ts)
	inst := market.NewInstrument("688981", "SMIC")
	inst.Quote = market.Quote{Current: 44, PrevClose: 40, Volume: 1200}
	snap.Put(inst)
	return notify.Event{RefreshID: "r-7", Source: "http", Snapshot: snap, Timestamp: ts}
}

func TestPublishOneMessagePerRefresh(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	w := NewMockWriter(ctrl)
	pub := kafkaquote.New(w, nil)
	var got kafkaGo.Message
	w.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msgs ...kafkaGo.Message) error {
			require.Len(t, msgs, 1)
			got = msgs[0]
			return nil
		})

	// Act
	err := pub.Publish(t.Context(), refreshEvent())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "r-7", string(got.Key))
	assert.Equal(t, []kafkaGo.Header{{Key: "source", Value: []byte("http")}}, got.Headers)
	var msg kafkaquote.Message
	require.NoError(t, json.Unmarshal(got.Value, &msg))
	require.Len(t, msg.Quotes, 1)
	assert.Equal(t, "star", msg.Quotes[0].Segment)
	assert.InDelta(t, 10, msg.Quotes[0].ChangePct, 1e-9)
	assert.Equal(t, int64(1200), msg.Quotes[0].Volume)
}

func TestPublishWrapsWriterError(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	w := NewMockWriter(ctrl)
	pub := kafkaquote.New(w, nil)
	boom := errors.New("leader not available")
	w.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(boom)
	w.EXPECT().Close().Return(nil)

	// Act
	err := pub.Publish(t.Context(), refreshEvent())

	// Assert
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, pub.Close())
}

func TestPublishSkipsEmptyEvent(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	pub := kafkaquote.New(NewMockWriter(ctrl), nil)

	assert.NoError(t, pub.Publish(t.Context(), notify.Event{RefreshID: "x"}))
}

func TestNewWriter(t *testing.T) {
	t.Parallel()

	w := kafkaquote.NewWriter([]string{"localhost:9092"}, "quotedesk.quotes", 0)

	assert.Equal(t, "quotedesk.quotes", w.Topic)
	assert.Equal(t, 100*time.Millisecond, w.BatchTimeout)
	assert.NotNil(t, w.Addr)
}
