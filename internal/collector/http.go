package collector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"trendlens/internal/core"
)

// apiBodyLimit caps JSON API responses.
const apiBodyLimit = 16 << 20

// getJSON fetches a JSON document with classified errors: 429 maps to
// rate limited, 401/403 to auth, 5xx to transient, malformed payloads
// to parse errors.
func getJSON(ctx context.Context, client *http.Client, url, userAgent string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.WrapError(core.KindValidation, "building API request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return core.WrapError(core.KindTransient, "fetching "+url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.RateLimitedError(url+" rate limited", parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusUnauthorized:
		return core.Errorf(core.KindAuthRequired, "%s returned 401", url)
	case resp.StatusCode == http.StatusForbidden:
		return core.Errorf(core.KindForbidden, "%s returned 403", url)
	case resp.StatusCode >= 500:
		return core.Errorf(core.KindTransient, "%s returned status %d", url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return core.Errorf(core.KindParse, "%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, apiBodyLimit))
	if err != nil {
		return core.WrapError(core.KindTransient, "reading API response", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return core.WrapError(core.KindParse, "decoding API response", err)
	}
	return nil
}

// parseRetryAfter reads a Retry-After header, either delay seconds or
// an HTTP date. Zero when absent or malformed.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
