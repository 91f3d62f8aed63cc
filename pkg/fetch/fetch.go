// Package fetch retrieves the session-gated referral pages and extracts the
// referral link, statistics and downline rows from them.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Options contains the transport settings shared by every request of a Client.
type Options struct {
	// Transport config string understood by configurl. Empty means direct.
	Transport string
	// Timeout bounds one request including redirects (default: 30s).
	Timeout time.Duration
	// MaxRedirects bounds redirect following (default: 10).
	MaxRedirects int
	// ChallengeAttempts is how many times an interposed verification page is
	// retried with the cookies it handed out.
	ChallengeAttempts int
	// ChallengeWait is the pause before replaying a challenged request.
	ChallengeWait time.Duration
}

// Response contains the final response of a Get.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer is the transport the Pipeline fetches through.
type Doer interface {
	Get(ctx context.Context, url string, header http.Header) (*Response, error)
}

// Client is a challenge-aware HTTP getter over an outline-sdk stream dialer.
type Client struct {
	opts   Options
	dialer transport.StreamDialer
	sleep  func(context.Context, time.Duration) error
}

func NewClient(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if opts.ChallengeAttempts < 0 {
		opts.ChallengeAttempts = 0
	}

	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}

	return &Client{opts: opts, dialer: dialer, sleep: sleepContext}, nil
}

// HTTPClient builds an http.Client that dials through the configured
// transport, never reuses connections and follows at most maxRedirects
// redirects. jar may be nil.
func HTTPClient(dialer transport.StreamDialer, timeout time.Duration, maxRedirects int, jar http.CookieJar) *http.Client {
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext:       dialContext,
			DisableKeepAlives: true,
			Proxy:             nil,
		},
		Timeout: timeout,
		Jar:     jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// Get issues a GET with the given headers. A verification interstitial is
// replayed up to ChallengeAttempts times with the cookies it set; a
// persistent one, a non-2xx status or a network failure is a *TransportError.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	// A fresh jar per call: clearance cookies live only as long as one logical request.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, &TransportError{Op: "request", URL: url, Err: err}
	}
	httpClient := HTTPClient(c.dialer, c.opts.Timeout, c.opts.MaxRedirects, jar)

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, httpClient, url, header)
		if err != nil {
			return nil, err
		}

		if !IsChallenge(resp) {
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return nil, &TransportError{Op: "status", URL: url, StatusCode: resp.StatusCode}
			}
			return resp, nil
		}

		if attempt >= c.opts.ChallengeAttempts {
			return nil, &TransportError{
				Op:         "challenge",
				URL:        url,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("verification challenge not cleared after %d attempts", attempt+1),
			}
		}
		if err := c.sleep(ctx, c.opts.ChallengeWait); err != nil {
			return nil, &TransportError{Op: "challenge", URL: url, Err: err}
		}
	}
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "request", URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "request", URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read", URL: url, Err: fmt.Errorf("read of page body failed: %w", err)}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

var challengeMarkers = [][]byte{
	[]byte("Just a moment..."),
	[]byte("challenge-platform"),
	[]byte("cf-browser-verification"),
	[]byte("cf_chl_opt"),
}

// IsChallenge reports whether resp is a browser verification interstitial
// rather than the requested page.
func IsChallenge(resp *Response) bool {
	if strings.EqualFold(resp.Header.Get("Cf-Mitigated"), "challenge") {
		return true
	}
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	for _, marker := range challengeMarkers {
		if bytes.Contains(resp.Body, marker) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
