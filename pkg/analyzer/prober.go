package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"

	"referral-probe/pkg/fetch"
	"referral-probe/pkg/models"
)

// HTTPProber issues a GET and treats any status in [200, 500) as reached.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber dials through transportConfig and follows at most
// maxRedirects redirects. The per-probe deadline comes from the context.
func NewHTTPProber(transportConfig string, maxRedirects int) (*HTTPProber, error) {
	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transportConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}
	return &HTTPProber{client: fetch.HTTPClient(dialer, 0, maxRedirects, nil)}, nil
}

func (p *HTTPProber) Probe(ctx context.Context, u *url.URL) models.HTTPProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.HTTPProbeResult{Error: err.Error()}
	}
	req.Header.Set("User-Agent", fetch.UserAgentFor(u.Hostname()))

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.HTTPProbeResult{Error: "timeout"}
		}
		return models.HTTPProbeResult{Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	status := resp.StatusCode
	result := models.HTTPProbeResult{StatusCode: &status}
	if status >= 200 && status < 500 {
		result.Accessible = true
	} else {
		result.Error = fmt.Sprintf("HTTP %d", status)
	}
	return result
}
