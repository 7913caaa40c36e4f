// Package braintrust implements the QueryClient capability: a btql
// query client for the external evaluation backend, with bounded
// timeouts, retry with jittered exponential backoff, circuit breaking
// and diagnostic counters.
package braintrust

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/braincanary/braincanary/internal/config"
)

var (
	// ErrQueryFatal marks non-retryable query failures (4xx other than
	// 429, malformed responses, exhausted retries).
	ErrQueryFatal = errors.New("query failed")
)

// Row is one scored trace returned by the evaluation backend.
type Row struct {
	ID       string                 `json:"id"`
	Scores   map[string]*float64    `json:"scores"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Created  time.Time              `json:"created"`
	Error    *string                `json:"error,omitempty"`
}

// Diagnostics is the health counter set exposed by the client.
type Diagnostics struct {
	Status              string     `json:"status"` // healthy | degraded
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRequests       int64      `json:"total_requests"`
	TotalRateLimited    int64      `json:"total_rate_limited"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastBackoffMs       int64      `json:"last_backoff_ms,omitempty"`
	BreakerState        string     `json:"breaker_state,omitempty"`
}

// Querier is the capability the monitor consumes.
type Querier interface {
	Query(ctx context.Context, query string) ([]Row, error)
	Diagnostics() Diagnostics
}

const (
	backoffInitial = time.Second
	backoffCap     = 16 * time.Second
	backoffJitter  = 400 * time.Millisecond
	degradedAfter  = 3
)

// Client is the HTTP implementation of Querier.
type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	mu    sync.Mutex
	diag  Diagnostics
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a client from the deployment's query settings.
func NewClient(q config.Query) *Client {
	timeout := time.Duration(q.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := q.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var limiter *rate.Limiter
	if q.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(q.RateLimitRPS), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "braintrust-query",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("query client circuit breaker state change")
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        strings.TrimRight(q.APIURL, "/") + q.Path,
		apiKey:     q.APIKey,
		timeout:    timeout,
		maxRetries: maxRetries,
		limiter:    limiter,
		breaker:    breaker,
		diag:       Diagnostics{Status: "healthy"},
		sleep:      sleepCtx,
	}
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Data []Row `json:"data"`
}

// Query posts btql and returns the scored trace rows. Retries follow
// exponential backoff from 1s doubling to a 16s cap with ±400ms
// jitter; 429 and 5xx are retryable, other 4xx surface immediately.
func (c *Client) Query(ctx context.Context, query string) ([]Row, error) {
	rows, err := c.breaker.Execute(func() (interface{}, error) {
		return c.queryWithRetry(ctx, query)
	})
	if err != nil {
		c.recordFailure(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open: %v", ErrQueryFatal, err)
		}
		return nil, err
	}
	c.recordSuccess()
	return rows.([]Row), nil
}

func (c *Client) queryWithRetry(ctx context.Context, query string) ([]Row, error) {
	backoff := backoffInitial
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff + time.Duration(rand.Int63n(int64(2*backoffJitter))) - backoffJitter
			if delay < 0 {
				delay = 0
			}
			c.mu.Lock()
			c.diag.LastBackoffMs = delay.Milliseconds()
			c.mu.Unlock()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}

		rows, retryable, err := c.doQuery(ctx, query)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("query attempt failed, will retry")
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrQueryFatal, lastErr)
}

// doQuery performs one attempt. The second return value reports
// whether the failure is retryable.
func (c *Client) doQuery(ctx context.Context, query string) ([]Row, bool, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(queryRequest{Query: query})
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to marshal query: %v", ErrQueryFatal, err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to build request: %v", ErrQueryFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	c.diag.TotalRequests++
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// Transport error or per-attempt timeout.
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.mu.Lock()
		c.diag.TotalRateLimited++
		c.mu.Unlock()
		return nil, true, fmt.Errorf("rate limited (429)")
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error (%d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("%w: status %d: %s", ErrQueryFatal, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, fmt.Errorf("%w: failed to decode response: %v", ErrQueryFatal, err)
	}
	return decoded.Data, false, nil
}

func (c *Client) recordSuccess() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diag.ConsecutiveFailures = 0
	c.diag.Status = "healthy"
	c.diag.LastSuccessAt = &now
}

func (c *Client) recordFailure(err error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diag.ConsecutiveFailures++
	c.diag.LastError = err.Error()
	c.diag.LastErrorAt = &now
	if c.diag.ConsecutiveFailures >= degradedAfter {
		c.diag.Status = "degraded"
	}
}

// Diagnostics returns a copy of the health counters.
func (c *Client) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.diag
	d.BreakerState = c.breaker.State().String()
	return d
}

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
