package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlens/internal/core"
)

func TestCollectWithRetryHonorsServerRetryAfter(t *testing.T) {
	advised := 150 * time.Millisecond
	c := &scriptedCollector{
		meta: Metadata{Name: "throttled", Source: "throttled", RetryCount: 2},
		run: func(call int) ([]core.RawItem, error) {
			if call == 1 {
				return nil, core.RateLimitedError("slow down", advised)
			}
			return []core.RawItem{{Source: "throttled", SourceID: "1", Title: "ok"}}, nil
		},
	}

	start := time.Now()
	items, err := collectWithRetry(context.Background(), c, time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, c.calls)
	// The advertised wait outranks the 1ms exponential schedule.
	assert.GreaterOrEqual(t, elapsed, advised)
}

func TestCollectWithRetryFallsBackToExponential(t *testing.T) {
	c := &scriptedCollector{
		meta: Metadata{Name: "throttled", Source: "throttled", RetryCount: 2},
		run: func(call int) ([]core.RawItem, error) {
			if call == 1 {
				return nil, core.RateLimitedError("slow down", 0)
			}
			return []core.RawItem{{Source: "throttled", SourceID: "1", Title: "ok"}}, nil
		},
	}

	items, err := collectWithRetry(context.Background(), c, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, c.calls)
}

func TestGetJSONCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	var out struct{}
	err := getJSON(context.Background(), server.Client(), server.URL, "test/1.0", nil, &out)
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
	assert.Equal(t, 2*time.Second, core.RetryAfterOf(err))
}

func TestRSSCollectorCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewRSSCollector(rssMeta("feed"), core.CollectorSource{URL: server.URL}, server.Client(), "test/1.0")
	_, err := c.Collect(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
	assert.Equal(t, 3*time.Second, core.RetryAfterOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 20*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}
