package targets

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strings"
)

// InvalidURLError reports a check target that is not an absolute http(s) URL.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid URL %q: %s", e.URL, e.Reason)
}

// Parse validates raw as an absolute http or https URL with a host.
func Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidURLError{URL: raw, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &InvalidURLError{URL: raw, Reason: "scheme must be http or https"}
	}
	if u.Hostname() == "" {
		return nil, &InvalidURLError{URL: raw, Reason: "missing host"}
	}
	return u, nil
}

// HostIP returns the host as an address when the URL names an IP literal.
func HostIP(u *url.URL) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// LoadFile reads one URL per line. Blank lines and lines starting with '#'
// are skipped; other lines are returned as-is so invalid entries surface as
// per-item errors when checked.
func LoadFile(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		slog.Debug("Adding target", "url", line)
		urls = append(urls, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return urls, nil
}
