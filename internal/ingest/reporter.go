// Package ingest carries observations from a worker to the aggregator.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/store"
)

const ObservationsPath = "/internal/v1/observations"

// Response is the body of an accepted ingest request.
type Response struct {
	Result string `json:"result"`
}

// Reporter posts observations to the API ingest endpoint.
type Reporter struct {
	url    string
	token  string
	client *http.Client
}

func NewReporter(apiURL, token string, timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reporter{
		url:    strings.TrimRight(apiURL, "/") + ObservationsPath,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Report delivers obs once. Transport failures and 503 answers are wrapped
// in store.ErrUnavailable; any other non-202 status is a permanent
// rejection.
func (r *Reporter) Report(ctx context.Context, obs *core.Observation) error {
	body, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send observation: %w", store.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: ingest returned %d", store.ErrUnavailable, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ingest rejected observation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
