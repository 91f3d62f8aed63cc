package fetch

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"referral-probe/pkg/models"
)

const snippetLength = 1000

var (
	refURLPattern = regexp.MustCompile(`https://[^\s<>"]+\?ref=[^\s<>"]+`)
	userIDPattern = regexp.MustCompile(`userid=([^&]+)`)
	digitsPattern = regexp.MustCompile(`\d+`)
)

// page is the parsed body handed to each extraction strategy.
type page struct {
	doc  *goquery.Document
	html string
	// registerURL is the absolute registration URL used to synthesize a link.
	registerURL string
	extraParams string
}

type linkStrategy struct {
	name    string
	extract func(p *page) (string, bool)
}

// linkStrategies are tried in order; the first non-empty result wins.
var linkStrategies = []linkStrategy{
	{name: "markerItalic", extract: func(p *page) (string, bool) {
		return nonEmpty(p.doc.Find(".refxxcode i").Text())
	}},
	// Strict subset of markerItalic, so it never matches first.
	{name: "spanMarkerItalic", extract: func(p *page) (string, bool) {
		return nonEmpty(p.doc.Find("span.refxxcode i").Text())
	}},
	{name: "markerFirstLine", extract: func(p *page) (string, bool) {
		text := strings.TrimSpace(p.doc.Find("span.refxxcode").Text())
		first, _, _ := strings.Cut(text, "\n")
		return nonEmpty(first)
	}},
	{name: "bodyRefURL", extract: func(p *page) (string, bool) {
		return nonEmpty(refURLPattern.FindString(p.html))
	}},
	{name: "paramsUserID", extract: func(p *page) (string, bool) {
		if p.extraParams == "" || p.registerURL == "" {
			return "", false
		}
		m := userIDPattern.FindStringSubmatch(p.extraParams)
		if m == nil || m[1] == "" {
			return "", false
		}
		return p.registerURL + "?ref=" + m[1], true
	}},
}

func nonEmpty(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}

func newPage(body []byte, registerURL, extraParams string) (*page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &ExtractionError{Reason: fmt.Sprintf("failed to parse HTML: %v", err), Snippet: snippet(string(body))}
	}
	return &page{doc: doc, html: string(body), registerURL: registerURL, extraParams: extraParams}, nil
}

// extractReferralLink runs the strategies in order and reports which matched.
func extractReferralLink(p *page) (link, strategy string, err error) {
	for _, s := range linkStrategies {
		if v, ok := s.extract(p); ok {
			return v, s.name, nil
		}
	}
	return "", "", &ExtractionError{Reason: "referral link not found", Snippet: snippet(p.html)}
}

func extractStatistics(p *page) models.Statistics {
	var stats models.Statistics

	p.doc.Find(".rchist-panel div").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		value := strings.TrimSpace(s.Find("span").Last().Text())
		switch {
		case strings.Contains(text, "Total Players Register"):
			if n := parseCount(value); n != 0 {
				stats.TotalPlayers = n
			}
		case strings.Contains(text, "Total Active Minggu Ini"):
			if n := parseCount(value); n != 0 {
				stats.ActivePlayers = n
			}
		}
	})

	if stats.TotalPlayers != 0 {
		return stats
	}

	p.doc.Find("span").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		switch {
		case strings.Contains(text, "Total Players") || strings.Contains(text, "Total Registered"):
			stats.TotalPlayers = trailingCount(s, text)
		case strings.Contains(text, "Total Active") || strings.Contains(text, "Minggu Ini"):
			stats.ActivePlayers = trailingCount(s, text)
		}
	})
	return stats
}

// trailingCount reads the last span next to a label, falling back to the
// first digit run of the label text itself.
func trailingCount(label *goquery.Selection, text string) int {
	if n := parseCount(label.Parent().Find("span").Last().Text()); n != 0 {
		return n
	}
	if m := digitsPattern.FindString(text); m != "" {
		n, _ := strconv.Atoi(m)
		return n
	}
	return 0
}

func extractCommissions(p *page) []string {
	lines := []string{}
	p.doc.Find("#refCommBnsPanel, .table-responsive").Find(`div[style*="border"]`).Each(func(_ int, s *goquery.Selection) {
		spans := s.Find("span")
		if spans.Length() < 2 {
			return
		}
		game := strings.TrimSpace(spans.Eq(0).Text())
		rate := strings.TrimSpace(spans.Eq(1).Text())
		if game == "" || rate == "" || strings.Contains(game, "border") {
			return
		}
		lines = append(lines, game+": "+rate)
	})
	return lines
}

func extractDownline(p *page) models.DownlineResult {
	result := models.DownlineResult{Rows: []models.DownlineRow{}}

	p.doc.Find("tr[data-ref]").Each(func(_ int, s *goquery.Selection) {
		cells := s.Find("td")
		if cells.Length() < 4 {
			return
		}
		row := models.DownlineRow{
			Rank:       parseCount(cells.Eq(0).Text()),
			UserID:     strings.TrimSpace(cells.Eq(1).Text()),
			Turnover:   parseCount(cells.Eq(2).Text()),
			Commission: parseCount(cells.Eq(3).Text()),
		}
		result.Rows = append(result.Rows, row)
		result.TotalTurnover += row.Turnover
		result.TotalCommission += row.Commission
	})

	result.TotalDownlines = len(result.Rows)
	return result
}

// parseCount reads an Indonesian-formatted integer: "." groups thousands
// and "," starts the decimal part, which is dropped. Anything unparseable
// is zero.
func parseCount(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), ".", "")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

func snippet(html string) string {
	r := []rune(html)
	if len(r) > snippetLength {
		r = r[:snippetLength]
	}
	return string(r)
}

// registerURL joins the base URL and register path.
func registerURL(baseURL, path string) string {
	if baseURL == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.String(), "/") + "/" + strings.TrimLeft(path, "/")
}
