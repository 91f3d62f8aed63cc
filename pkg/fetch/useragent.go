package fetch

import (
	"unicode/utf16"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
}

// UserAgentFor returns the user agent an account always presents. The same
// name maps to the same string across runs.
func UserAgentFor(account string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(account)) {
		h = h*31 + int32(c)
	}
	idx := int64(h)
	if idx < 0 {
		idx = -idx
	}
	return userAgents[idx%int64(len(userAgents))]
}
