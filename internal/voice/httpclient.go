package voice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// postOnce sends a single POST with an optional bearer token and correlation
// id. Turns are not retried; the caller drops the turn on error. Caller
// must close resp.Body.
func postOnce(ctx context.Context, client *http.Client, url, contentType string, body io.Reader, authToken, correlationID string) (*http.Response, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrRecoverable, err)
	}
	req.Header.Set("Content-Type", contentType)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoverable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRecoverable, url, resp.StatusCode)
	}
	return resp, nil
}
