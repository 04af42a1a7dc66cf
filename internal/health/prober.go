package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProber GETs a liveness endpoint answering {"status": "..."}.
type HTTPProber struct {
	url    string
	client *http.Client
}

func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{url: url, client: &http.Client{}}
}

var healthyStatuses = map[string]bool{
	"ok":        true,
	"healthy":   true,
	"up":        true,
	"connected": true,
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if !healthyStatuses[strings.ToLower(body.Status)] {
		return fmt.Errorf("resolver reports status %q", body.Status)
	}
	return nil
}
