package market_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"quotedesk/internal/market"
)

const feedURL = "http://feed.local/quotes"

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestHTTPSourceFetch(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodGet, req.Method)
			require.Equal(t, feedURL, req.URL.String())
			require.Equal(t, "secret", req.Header.Get("X-Feed-Token"))
			_, hasDeadline := req.Context().Deadline()
			require.True(t, hasDeadline)
			return jsonResponse(http.StatusOK, `{"stocks":[{"code":"600036","name":"CMB","current":35.2,"previous":35}]}`), nil
		}).
		Times(1)

	src := market.NewHTTPSource(feedURL,
		market.WithHTTPClient(httpClient),
		market.WithHeader(http.Header{"X-Feed-Token": []string{"secret"}}),
	)

	// Act
	snap, err := src.Fetch(t.Context())

	// Assert
	require.NoError(t, err)
	got, ok := snap.Get("600036")
	require.True(t, ok)
	assert.Equal(t, "CMB", got.Name)
	assert.InDelta(t, 35.2, got.Quote.Current, 1e-9)
}

func TestHTTPSourceNon2xx(t *testing.T) {
	t.Parallel()

	// Arrange: a status error is not retried.
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		Return(jsonResponse(http.StatusBadGateway, `upstream down`), nil).
		Times(1)

	src := market.NewHTTPSource(feedURL, market.WithHTTPClient(httpClient))

	// Act
	snap, err := src.Fetch(t.Context())

	// Assert
	assert.Nil(t, snap)
	var se *market.SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "http", se.Source)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPSourceRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	gomock.InOrder(
		httpClient.EXPECT().Do(gomock.Any()).Return(nil, timeoutErr{}),
		httpClient.EXPECT().Do(gomock.Any()).Return(nil, errors.New("read: connection reset by peer")),
		httpClient.EXPECT().Do(gomock.Any()).Return(jsonResponse(http.StatusOK, `{"stocks":[{"code":"000651"}]}`), nil),
	)

	src := market.NewHTTPSource(feedURL,
		market.WithHTTPClient(httpClient),
		market.WithRetries(2, time.Millisecond),
	)

	// Act
	snap, err := src.Fetch(t.Context())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}

func TestHTTPSourceGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().Do(gomock.Any()).Return(nil, io.EOF).Times(2)

	src := market.NewHTTPSource(feedURL,
		market.WithHTTPClient(httpClient),
		market.WithRetries(1, time.Millisecond),
	)

	// Act
	_, err := src.Fetch(t.Context())

	// Assert
	assert.ErrorIs(t, err, io.EOF)
}

func TestHTTPSourceDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().Do(gomock.Any()).Return(nil, errors.New("no such host")).Times(1)

	src := market.NewHTTPSource(feedURL, market.WithHTTPClient(httpClient))

	// Act
	_, err := src.Fetch(t.Context())

	// Assert
	var se *market.SourceError
	assert.ErrorAs(t, err, &se)
}

func TestHTTPSourceTimeout(t *testing.T) {
	t.Parallel()

	// Arrange: the client blocks until the request context expires.
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		}).
		Times(1)

	src := market.NewHTTPSource(feedURL,
		market.WithHTTPClient(httpClient),
		market.WithTimeout(20*time.Millisecond),
	)

	// Act
	snap, err := src.Fetch(t.Context())

	// Assert: reported like any other failure.
	assert.Nil(t, snap)
	var se *market.SourceError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPSourceBadPayload(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().Do(gomock.Any()).Return(jsonResponse(http.StatusOK, `{"data":[]}`), nil).Times(1)

	src := market.NewHTTPSource(feedURL, market.WithHTTPClient(httpClient))

	// Act
	_, err := src.Fetch(t.Context())

	// Assert
	assert.ErrorIs(t, err, market.ErrMissingStocks)
}

func TestHTTPSourceEmptyURL(t *testing.T) {
	t.Parallel()

	// Arrange: no HTTP call expected.
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)

	// Act
	_, err := market.NewHTTPSource("  ", market.WithHTTPClient(httpClient)).Fetch(t.Context())

	// Assert
	var se *market.SourceError
	assert.ErrorAs(t, err, &se)
}
