package checks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
)

const maxRedirects = 10

type HTTPChecker struct {
	client *http.Client
}

func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Check issues a GET against url. Any response below 400 counts as up.
func (h *HTTPChecker) Check(ctx context.Context, url string) *core.HTTPResult {
	result := &core.HTTPResult{}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to create request: %v", err)
		return result
	}
	req.Header.Set("User-Agent", "uptime-consensus/1.0")

	start := time.Now()
	resp, err := h.client.Do(req)
	result.ResponseTimeMs = elapsedMs(start)
	if err != nil {
		result.Error = fmt.Sprintf("Request failed: %v", err)
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= http.StatusBadRequest {
		result.Error = fmt.Sprintf("Unexpected status code: %d", resp.StatusCode)
		return result
	}

	result.IsUp = true
	return result
}
