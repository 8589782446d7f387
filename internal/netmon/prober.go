package netmon

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober performs one active reachability check and reports the round trip
// time. The OS-level connectivity signal alone is unreliable (captive
// portals, proxies), so the monitor always confirms with a probe.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber issues a small HEAD request against a cheap endpoint.
type HTTPProber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("probe endpoint returned %d", resp.StatusCode)
	}
	return time.Since(start), nil
}
