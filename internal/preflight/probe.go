package preflight

import (
	"context"
	"net/http"
	"time"
)

// Probe answers whether the gateway currently has internet access by
// fetching a well-known URL. A Probe with an empty URL always reports online.
type Probe struct {
	URL    string
	client *http.Client
}

// NewProbe builds a probe against url with the given request timeout.
func NewProbe(url string, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Probe{URL: url, client: &http.Client{Timeout: timeout}}
}

// Check performs one request. Any HTTP response counts as online.
func (p *Probe) Check(ctx context.Context) error {
	if p == nil || p.URL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Online reports whether Check succeeds.
func (p *Probe) Online(ctx context.Context) bool {
	return p.Check(ctx) == nil
}
