package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"referral-probe/pkg/ipinfo"
	"referral-probe/pkg/models"
)

func TestFormatInt(t *testing.T) {
	assert.Equal(t, "0", formatInt(0))
	assert.Equal(t, "999", formatInt(999))
	assert.Equal(t, "1.000", formatInt(1000))
	assert.Equal(t, "1.234.567", formatInt(1234567))
	assert.Equal(t, "-12.345", formatInt(-12345))
}

func TestFormatCheck(t *testing.T) {
	status := 200
	r := &models.AccessibilityReport{
		Hostname:   "ok.example",
		URL:        "https://ok.example",
		TargetPool: "telkom",
		PerResolverPool: map[string]models.PoolResults{
			"google": {"8.8.8.8": {Resolved: true, Addresses: []string{"93.184.216.34"}}},
			"telkom": {"202.134.0.155": {Error: "timeout"}},
		},
		HTTPProbe:      models.HTTPProbeResult{Accessible: true, StatusCode: &status},
		Classification: models.BlockedByISP,
		Timestamp:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	out := FormatCheck(r, []string{"telkom"})
	assert.Contains(t, out, "ok.example")
	assert.Contains(t, out, "telkom (target)")
	assert.Contains(t, out, "93.184.216.34")
	assert.Contains(t, out, "timeout")
	assert.Contains(t, out, "accessible (HTTP 200)")
	assert.Contains(t, out, "BLOCKED_BY_ISP")
	assert.Less(t, strings.Index(out, "telkom (target)"), strings.Index(out, "google"))
}

func TestFormatBulk(t *testing.T) {
	r := &models.BulkReport{
		Accessible: []models.BulkItem{{URL: "https://a.example", Hostname: "a.example", Classification: models.Accessible}},
		Errors:     []models.BulkError{{URL: "::bad::", Error: "invalid URL"}},
	}
	out := FormatBulk(r)
	assert.Contains(t, out, "2 checked")
	assert.Contains(t, out, "a.example")
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "invalid URL")
}

func TestFormatStatsWithoutCommissions(t *testing.T) {
	out := FormatStats(
		&models.ReferralResult{AccountName: "ALPHA", Statistics: models.Statistics{TotalPlayers: 1500}},
		&models.DownlineResult{TotalDownlines: 1, TotalTurnover: 2500000, Rows: []models.DownlineRow{{Rank: 1, UserID: "alice", Turnover: 2500000}}},
	)
	assert.Contains(t, out, "1.500")
	assert.Contains(t, out, "2.500.000")
	assert.Contains(t, out, "No commission data available")
	assert.Contains(t, out, "alice")
}

func TestFormatCountsTotals(t *testing.T) {
	out := FormatCounts(map[string]int{"ACCESSIBLE": 1200, "BLOCKED_BY_ISP": 3})
	assert.Contains(t, out, "1.200")
	assert.Contains(t, out, "1.203")
	assert.Contains(t, out, "NOT_RESOLVABLE")
}

func TestFormatReferralHistory(t *testing.T) {
	out := FormatReferralHistory([]models.ReferralRecord{{
		AccountName:  "ALPHA",
		ReferralLink: "https://x.test/register?ref=7",
		TotalPlayers: 4321,
		FetchedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}})
	assert.Contains(t, out, "ref=7")
	assert.Contains(t, out, "4.321")
	assert.True(t, strings.Contains(out, "ALPHA"))
}

func TestFormatOwners(t *testing.T) {
	out := FormatOwners(map[string]*ipinfo.Info{
		"36.86.63.182": {Org: "AS7713 PT Telekomunikasi Indonesia", Country: "ID"},
	})
	assert.Contains(t, out, "36.86.63.182")
	assert.Contains(t, out, "7713")
	assert.Contains(t, out, "PT Telekomunikasi Indonesia")
}
