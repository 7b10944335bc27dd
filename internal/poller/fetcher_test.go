package poller_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/poller"
)

// scriptedServer replays a fixed sequence of statuses, serving body on 200.
func scriptedServer(t *testing.T, statuses []int, body string) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, calls, len(statuses), "more requests than scripted statuses")
		status := statuses[calls]
		calls++
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestFetcher(metrics *poller.Metrics) *poller.Fetcher {
	return poller.NewFetcher(poller.FetcherConfig{
		Name:       "test",
		HTTPClient: http.DefaultClient,
		Metrics:    metrics,
		Logger:     zerolog.Nop(),
	})
}

func TestFetcher_SucceedsFirstAttempt(t *testing.T) {
	server, calls := scriptedServer(t, []int{200}, `{"ok":true}`)
	f := newTestFetcher(poller.NewMetrics(prometheus.NewRegistry()))

	body, status, err := f.Fetch(context.Background(), "s1", server.URL)

	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, 1, *calls)
}

func TestFetcher_RetriesTransientThenSucceeds(t *testing.T) {
	server, calls := scriptedServer(t, []int{503, 503, 200}, `{"ok":true}`)
	metrics := poller.NewMetrics(prometheus.NewRegistry())
	f := newTestFetcher(metrics)

	body, status, err := f.Fetch(context.Background(), "s1", server.URL)

	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, 3, *calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PollRetries))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PollsFailedHTTP5xx))
}

func TestFetcher_ExhaustsRetries(t *testing.T) {
	server, calls := scriptedServer(t, []int{503, 503, 503}, "")
	f := newTestFetcher(poller.NewMetrics(prometheus.NewRegistry()))

	_, status, err := f.Fetch(context.Background(), "s1", server.URL)

	require.Error(t, err)
	assert.Equal(t, 503, status)
	assert.Equal(t, 3, *calls)

	var statusErr *poller.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
}

func TestFetcher_429IsRetried(t *testing.T) {
	server, calls := scriptedServer(t, []int{429, 200}, `{}`)
	metrics := poller.NewMetrics(prometheus.NewRegistry())
	f := newTestFetcher(metrics)

	_, _, err := f.Fetch(context.Background(), "s1", server.URL)

	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PollsFailedHTTP429))
}

func TestFetcher_TerminalStatusIsNotRetried(t *testing.T) {
	server, calls := scriptedServer(t, []int{404}, "")
	f := newTestFetcher(poller.NewMetrics(prometheus.NewRegistry()))

	_, status, err := f.Fetch(context.Background(), "s1", server.URL)

	require.Error(t, err)
	assert.Equal(t, 404, status)
	assert.Equal(t, 1, *calls)
}

func TestFetcher_SendsUserAgent(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	f := newTestFetcher(poller.NewMetrics(prometheus.NewRegistry()))
	_, _, err := f.Fetch(context.Background(), "s1", server.URL)

	require.NoError(t, err)
	assert.Equal(t, poller.DefaultUserAgent, gotUA)
}

func TestFetcher_CancelledDuringRetryWait(t *testing.T) {
	server, _ := scriptedServer(t, []int{503, 503, 503}, "")
	f := newTestFetcher(poller.NewMetrics(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := f.Fetch(ctx, "s1", server.URL)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	// First retry delay is at least 600ms; cancellation must cut the wait.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
