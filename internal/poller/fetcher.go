package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	// DefaultMaxAttempts bounds the HTTP attempts within one poll cycle.
	DefaultMaxAttempts = 3

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent identifies the poller to upstream providers.
	DefaultUserAgent = "TelemetryKitchen/1.0 (+https://github.com/telemetry-kitchen)"

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	jitterFloor    = 100 * time.Millisecond
	jitterSpan     = 400 * time.Millisecond
)

// HTTPDoer abstracts HTTP request execution so tests can inject fakes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a terminal non-2xx upstream response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected upstream status %d", e.StatusCode)
}

// FetcherConfig holds configuration for the resilient station fetcher.
type FetcherConfig struct {
	// Name identifies the fetcher (and its breaker), typically the sensor ID.
	Name string

	// HTTPClient overrides the default client. Mainly for tests.
	HTTPClient HTTPDoer

	// Timeout for individual HTTP calls (default: 30s).
	Timeout time.Duration

	// MaxAttempts bounds the attempts per poll cycle (default: 3).
	MaxAttempts int

	// UserAgent sent on every request (default: DefaultUserAgent).
	UserAgent string

	// EnableBreaker wraps every attempt in a circuit breaker. An open
	// breaker fails the poll cycle immediately; the station's outer
	// backoff governs recovery.
	EnableBreaker bool

	Metrics *Metrics
	Logger  zerolog.Logger
}

type fetchOutcome struct {
	body   []byte
	status int
}

// Fetcher performs the bounded-retry HTTP fetch for station polls.
// Only 429 and 5xx responses are retried; any other non-2xx status is a
// terminal failure for the cycle.
type Fetcher struct {
	client      HTTPDoer
	breaker     *gobreaker.CircuitBreaker[fetchOutcome]
	metrics     *Metrics
	logger      zerolog.Logger
	maxAttempts int
	userAgent   string
}

// NewFetcher creates a fetcher, applying defaults for unset fields.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	var breaker *gobreaker.CircuitBreaker[fetchOutcome]
	if cfg.EnableBreaker {
		breaker = newFetchBreaker(cfg.Name)
	}

	return &Fetcher{
		client:      cfg.HTTPClient,
		breaker:     breaker,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		userAgent:   cfg.UserAgent,
	}
}

// newFetchBreaker builds the per-station circuit breaker used around the
// fetch path. The breaker trips after five or more requests with a failure
// ratio of at least one half.
func newFetchBreaker(name string) *gobreaker.CircuitBreaker[fetchOutcome] {
	return gobreaker.NewCircuitBreaker[fetchOutcome](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.5
		},
	})
}

// Fetch retrieves the station URL, retrying transient upstream failures.
// It returns the successful response body and the last HTTP status seen.
func (f *Fetcher) Fetch(ctx context.Context, sensorID, url string) ([]byte, int, error) {
	lastStatus := 0

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		outcome, err := f.attempt(ctx, url)
		if outcome.status != 0 {
			lastStatus = outcome.status
		}
		if err == nil {
			return outcome.body, outcome.status, nil
		}

		retryable := outcome.status == http.StatusTooManyRequests || outcome.status >= 500
		if !retryable || attempt == f.maxAttempts {
			return nil, lastStatus, err
		}

		if f.metrics != nil {
			f.metrics.PollRetries.Inc()
		}
		delay := retryDelay(attempt)
		f.logger.Debug().
			Str("sensor_id", sensorID).
			Int("status", outcome.status).
			Int("attempt", attempt).
			Int("max_attempts", f.maxAttempts).
			Dur("delay", delay).
			Msg("transient upstream failure, retrying")

		if err := sleepCtx(ctx, delay); err != nil {
			return nil, lastStatus, err
		}
	}

	return nil, lastStatus, fmt.Errorf("failed to fetch %s", url)
}

// attempt executes one HTTP request, optionally through the breaker.
func (f *Fetcher) attempt(ctx context.Context, url string) (fetchOutcome, error) {
	if f.breaker == nil {
		return f.doRequest(ctx, url)
	}

	outcome, err := f.breaker.Execute(func() (fetchOutcome, error) {
		return f.doRequest(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fetchOutcome{}, fmt.Errorf("circuit breaker open: %w", err)
		}
		return outcome, err
	}
	return outcome, nil
}

func (f *Fetcher) doRequest(ctx context.Context, url string) (fetchOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fetchOutcome{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fetchOutcome{}, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	outcome := fetchOutcome{status: resp.StatusCode}

	if f.metrics != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			f.metrics.PollsFailedHTTP429.Inc()
		} else if resp.StatusCode >= 500 {
			f.metrics.PollsFailedHTTP5xx.Inc()
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return outcome, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcome, fmt.Errorf("read response body: %w", err)
	}
	outcome.body = body
	return outcome, nil
}

// retryDelay computes the in-cycle retry delay: capped exponential growth
// plus a uniform jitter window.
func retryDelay(attempt int) time.Duration {
	exp := retryBaseDelay << (attempt - 1)
	if exp > retryMaxDelay {
		exp = retryMaxDelay
	}
	jitter := jitterFloor + time.Duration(rand.Int64N(int64(jitterSpan)))
	return exp + jitter
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
