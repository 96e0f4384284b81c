package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/unitrack/unitrack/internal/apperr"
)

// DefaultTimeout is the per-request HTTP client timeout for all adapters.
const DefaultTimeout = 30 * time.Second

// maxSnippet bounds how much upstream body is carried in error details.
const maxSnippet = 256

// NewHTTPClient creates the HTTP client an adapter owns. Connections are
// reused across requests to the same backend.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// Do executes the request and returns the response body for 2xx statuses.
// Transport failures and non-2xx statuses come back as taxonomy errors
// per the failure mapping: 429 rate_limited, 401/403 unauthorized,
// 404 not_found, other 4xx upstream_4xx, 5xx upstream_5xx, timeouts
// timeout, connect errors network_error.
func Do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, mapTransportError(req.Context(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, err, "read %s response", req.URL.Host)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, MapStatus(resp.StatusCode, body, resp.Header.Get("Retry-After"))
}

// MapStatus converts an upstream non-2xx status to a taxonomy error.
func MapStatus(status int, body []byte, retryAfter string) error {
	details := map[string]interface{}{
		"upstream_status": status,
		"upstream_body":   snippet(body),
	}
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimited, "upstream rate limit").
			WithDetails(details).
			WithRetryAfter(parseRetryAfter(retryAfter))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.KindUnauthorized, "upstream rejected credentials").WithDetails(details)
	case status == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, "upstream resource not found").WithDetails(details)
	case status >= 400 && status < 500:
		return apperr.New(apperr.KindUpstream4xx, "upstream client error %d", status).WithDetails(details)
	default:
		return apperr.New(apperr.KindUpstream5xx, "upstream server error %d", status).WithDetails(details)
	}
}

func mapTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, err, "upstream request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.KindTimeout, err, "upstream request timed out")
	}
	return apperr.Wrap(apperr.KindNetwork, err, "upstream request failed")
}

// parseRetryAfter reads a Retry-After header in delta-seconds form.
// Missing or unparseable headers fall back to 60.
func parseRetryAfter(header string) int {
	if header == "" {
		return 60
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 1 {
		return 60
	}
	return seconds
}

func snippet(body []byte) string {
	if len(body) > maxSnippet {
		body = body[:maxSnippet]
	}
	return string(body)
}
