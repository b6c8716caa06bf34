package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProber probes a backend by fetching its health endpoint. Any 2xx
// status counts as healthy; connection errors, timeouts, and non-2xx
// statuses count as failures.
type HTTPProber struct {
	client *http.Client
	url    string
}

// NewHTTPProber builds a prober for baseURL+healthPath. client may be nil, in
// which case http.DefaultClient is used; the checker bounds each probe with a
// context deadline regardless.
func NewHTTPProber(client *http.Client, baseURL, healthPath string) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	if healthPath == "" {
		healthPath = "/health"
	}
	return &HTTPProber{
		client: client,
		url:    strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(healthPath, "/"),
	}
}

// URL returns the probe endpoint.
func (p *HTTPProber) URL() string { return p.url }

// Probe performs one GET against the health endpoint.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}
