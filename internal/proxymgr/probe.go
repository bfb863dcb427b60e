package proxymgr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultProbeTarget is fetched through the proxy under test. The market
// front page answers cheaply and exercises the same egress path as a check.
const DefaultProbeTarget = "https://steamcommunity.com/market/"

const defaultProbeTimeout = 10 * time.Second

// Prober verifies that a proxy endpoint can reach the market.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// HTTPProber performs a real GET through the proxy. Zero values use
// DefaultProbeTarget and a 10s timeout.
type HTTPProber struct {
	Target  string
	Timeout time.Duration
}

func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	proxyURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse proxy endpoint: %w", err)
	}

	target := p.Target
	if target == "" {
		target = DefaultProbeTarget
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = defaultProbeTimeout
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe through proxy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe through proxy: status %d", resp.StatusCode)
	}
	return nil
}
