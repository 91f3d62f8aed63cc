// Package ipinfo looks up the network owner of an address, used to tell an
// ISP block-page sinkhole from a real answer.
package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://ipinfo.io"

type Info struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Anycast  bool   `json:"anycast"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
}

// ASN splits Org ("AS7713 PT Telekomunikasi Indonesia") into the AS number
// and the organisation name. An Org without the AS prefix is returned whole
// as the name.
func (i Info) ASN() (number, org string) {
	parts := strings.SplitN(i.Org, " ", 2)
	if len(parts) == 2 && strings.HasPrefix(parts[0], "AS") {
		return strings.TrimPrefix(parts[0], "AS"), parts[1]
	}
	return "", i.Org
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient returns a client for baseURL, ipinfo.io when empty.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

func (c *Client) Lookup(ctx context.Context, ip string) (*Info, error) {
	u := c.baseURL + "/" + url.PathEscape(ip)
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipinfo lookup of %s: HTTP %d", ip, resp.StatusCode)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode ipinfo response: %v", err)
	}
	return &info, nil
}

// LookupAll resolves every distinct address once. Failed lookups are left
// out of the result and returned joined in the error.
func (c *Client) LookupAll(ctx context.Context, ips []string) (map[string]*Info, error) {
	out := make(map[string]*Info, len(ips))
	seen := make(map[string]bool, len(ips))
	var errs []string
	for _, ip := range ips {
		if seen[ip] {
			continue
		}
		seen[ip] = true
		info, err := c.Lookup(ctx, ip)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		out[ip] = info
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return out, nil
}
