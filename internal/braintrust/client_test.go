package braintrust

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braincanary/braincanary/internal/config"
)

func newTestClient(t *testing.T, server *httptest.Server, maxRetries int) *Client {
	t.Helper()
	c := NewClient(config.Query{
		APIURL:     server.URL,
		Path:       "/btql",
		APIKey:     "sk-test",
		TimeoutMs:  2000,
		MaxRetries: maxRetries,
	})
	// No real backoff sleeps in tests.
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

const rowsJSON = `{"data": [
	{"id": "t1", "scores": {"Q": 0.9}, "created": "2025-06-01T12:00:00Z"},
	{"id": "t2", "scores": {"Q": null}, "created": "2025-06-01T12:00:05Z", "error": "upstream timeout"}
]}`

func TestQueryParsesRows(t *testing.T) {
	var gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		fmt.Fprint(w, rowsJSON)
	}))
	defer server.Close()

	client := newTestClient(t, server, 0)
	rows, err := client.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Contains(t, gotBody, "SELECT 1")
	require.Len(t, rows, 2)
	assert.Equal(t, "t1", rows[0].ID)
	require.NotNil(t, rows[0].Scores["Q"])
	assert.Equal(t, 0.9, *rows[0].Scores["Q"])
	assert.Nil(t, rows[1].Scores["Q"])
	require.NotNil(t, rows[1].Error)
	assert.Equal(t, "upstream timeout", *rows[1].Error)

	diag := client.Diagnostics()
	assert.Equal(t, "healthy", diag.Status)
	assert.Equal(t, int64(1), diag.TotalRequests)
	assert.NotNil(t, diag.LastSuccessAt)
}

func TestQueryRetriesOn5xx(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, rowsJSON)
	}))
	defer server.Close()

	client := newTestClient(t, server, 3)
	rows, err := client.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 3, attempts)
}

func TestQueryCountsRateLimits(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data": []}`)
	}))
	defer server.Close()

	client := newTestClient(t, server, 2)
	_, err := client.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), client.Diagnostics().TotalRateLimited)
}

func TestQuerySurfacesClientErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "bad key"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server, 3)
	_, err := client.Query(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, ErrQueryFatal)
	assert.Equal(t, 1, attempts, "4xx must not be retried")
}

func TestQueryExhaustedRetriesDegradesDiagnostics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server, 1)
	for i := 0; i < degradedAfter; i++ {
		_, err := client.Query(context.Background(), "SELECT 1")
		require.ErrorIs(t, err, ErrQueryFatal)
	}

	diag := client.Diagnostics()
	assert.Equal(t, "degraded", diag.Status)
	assert.Equal(t, degradedAfter, diag.ConsecutiveFailures)
	assert.NotEmpty(t, diag.LastError)
	assert.NotNil(t, diag.LastErrorAt)
}

func TestTraceQueryShape(t *testing.T) {
	wm := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := TraceQuery("support-bot", "dep-1", VersionCanary, wm)

	assert.Contains(t, q, `project_logs('support-bot', shape => 'traces')`)
	assert.Contains(t, q, `metadata."braincanary.deployment_id" = 'dep-1'`)
	assert.Contains(t, q, `metadata."braincanary.version" = 'canary'`)
	assert.Contains(t, q, `created > '2025-06-01T12:00:00Z'`)
	assert.True(t, strings.HasSuffix(q, "ORDER BY created ASC"))
}

func TestTraceQueryEscapesQuotes(t *testing.T) {
	q := TraceQuery("it's a project", "dep-1", VersionBaseline, time.Unix(0, 0))
	assert.Contains(t, q, "it''s a project")
}
