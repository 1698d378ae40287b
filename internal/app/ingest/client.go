package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// Client is the forwarder-side HTTP client for the gateway's ingest
// endpoint. It implements ports.IngestClient.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets a gateway at baseURL. The caller bounds each Push
// with a context deadline; the embedded client carries no timeout of
// its own so the two cannot fight.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// Push delivers one batch. Any transport failure, timeout, or non-2xx
// status is returned as an error so the forwarder retries; only a
// parsed 200 response counts as delivery.
func (c *Client) Push(ctx context.Context, req ports.BatchRequest) (*ports.BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("push batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var out ports.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	return &out, nil
}

var _ ports.IngestClient = (*Client)(nil)
