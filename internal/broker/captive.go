package broker

import (
	"context"
	"net/http"
	"time"
)

// PortalProber decides whether the network sits behind a captive portal.
type PortalProber interface {
	Detect(ctx context.Context) (bool, error)
}

// HTTPProber fetches a URL that answers 204 on an open network. Anything
// else, including a redirect, means a portal intercepted the request.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber returns a prober that never follows redirects.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL: url,
		Client: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Detect implements PortalProber.
func (p *HTTPProber) Detect(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode != http.StatusNoContent, nil
}
