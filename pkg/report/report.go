// Package report renders results as plain-text tables for the CLI.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"referral-probe/pkg/connectivity"
	"referral-probe/pkg/ipinfo"
	"referral-probe/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05 MST"

var labels = map[models.Classification]string{
	models.Accessible:      "Accessible, no blocking detected",
	models.BlockedByISP:    "Blocked by the target ISP (resolves elsewhere)",
	models.FilteredContent: "Filtered (resolves but HTTP access fails)",
	models.NotResolvable:   "Not resolvable, domain may be down",
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

// FormatReferral renders a referral fetch.
func FormatReferral(r *models.ReferralResult) string {
	t := newTable("Referral link: " + r.AccountName)
	t.AppendRows([]table.Row{
		{"Link", r.ReferralLink},
		{"Total players", formatInt(r.Statistics.TotalPlayers)},
		{"Active this week", formatInt(r.Statistics.ActivePlayers)},
		{"Fetched at", r.Timestamp.Format(timeLayout)},
	})
	return t.Render()
}

// FormatStats renders the player statistics, commission rates and downline
// summary of one account.
func FormatStats(r *models.ReferralResult, d *models.DownlineResult) string {
	var b strings.Builder

	t := newTable("Referral statistics: " + r.AccountName)
	t.AppendRows([]table.Row{
		{"Total registered", formatInt(r.Statistics.TotalPlayers)},
		{"Active this week", formatInt(r.Statistics.ActivePlayers)},
		{"Total downlines", formatInt(d.TotalDownlines)},
		{"Total turnover", formatInt(d.TotalTurnover)},
		{"Total commission", formatInt(d.TotalCommission)},
	})
	b.WriteString(t.Render())
	b.WriteString("\n")

	c := newTable("Commission rates")
	if len(r.CommissionLines) == 0 {
		c.AppendRow(table.Row{"No commission data available"})
	}
	for _, line := range r.CommissionLines {
		c.AppendRow(table.Row{line})
	}
	b.WriteString(c.Render())
	b.WriteString("\n")

	if len(d.Rows) > 0 {
		rows := newTable("Downline")
		rows.AppendHeader(table.Row{"#", "User", "Turnover", "Commission"})
		for _, row := range d.Rows {
			rows.AppendRow(table.Row{row.Rank, row.UserID, formatInt(row.Turnover), formatInt(row.Commission)})
		}
		rows.SetColumnConfigs([]table.ColumnConfig{
			{Number: 3, Align: text.AlignRight},
			{Number: 4, Align: text.AlignRight},
		})
		b.WriteString(rows.Render())
		b.WriteString("\n")
	}

	return b.String()
}

// FormatCheck renders one accessibility report. Pools are listed in the
// given order; pools missing from it follow alphabetically.
func FormatCheck(r *models.AccessibilityReport, poolOrder []string) string {
	var b strings.Builder

	t := newTable("Link status")
	t.AppendRows([]table.Row{
		{"URL", r.URL},
		{"Hostname", r.Hostname},
	})
	b.WriteString(t.Render())
	b.WriteString("\n")

	dns := newTable("DNS resolution")
	dns.AppendHeader(table.Row{"Pool", "Resolver", "Result", "Addresses / error"})
	for _, pool := range orderedPools(r.PerResolverPool, poolOrder) {
		results := r.PerResolverPool[pool]
		ips := make([]string, 0, len(results))
		for ip := range results {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		for _, ip := range ips {
			res := results[ip]
			status, detail := "failed", res.Error
			if res.Resolved {
				status, detail = "resolved", strings.Join(res.Addresses, ", ")
			}
			name := pool
			if pool == r.TargetPool {
				name += " (target)"
			}
			dns.AppendRow(table.Row{name, ip, status, detail})
		}
	}
	b.WriteString(dns.Render())
	b.WriteString("\n")

	httpRow := "not accessible (" + r.HTTPProbe.Error + ")"
	if r.HTTPProbe.Accessible && r.HTTPProbe.StatusCode != nil {
		httpRow = fmt.Sprintf("accessible (HTTP %d)", *r.HTTPProbe.StatusCode)
	}
	v := newTable("")
	v.AppendRows([]table.Row{
		{"HTTP access", httpRow},
		{"Status", string(r.Classification)},
		{"", labels[r.Classification]},
		{"Checked at", r.Timestamp.Format(timeLayout)},
	})
	b.WriteString(v.Render())
	b.WriteString("\n")

	return b.String()
}

func orderedPools(pools map[string]models.PoolResults, order []string) []string {
	seen := make(map[string]bool, len(pools))
	out := make([]string, 0, len(pools))
	for _, name := range order {
		if _, ok := pools[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range pools {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// FormatBulk renders a bulk report grouped by classification.
func FormatBulk(r *models.BulkReport) string {
	t := newTable(fmt.Sprintf("Link status report (%d checked)", r.Total()))
	t.AppendHeader(table.Row{"Status", "Host / URL", "Detail"})

	groups := []struct {
		class models.Classification
		items []models.BulkItem
	}{
		{models.Accessible, r.Accessible},
		{models.BlockedByISP, r.BlockedByISP},
		{models.FilteredContent, r.FilteredContent},
		{models.NotResolvable, r.NotResolvable},
	}
	for _, g := range groups {
		for _, item := range g.items {
			t.AppendRow(table.Row{string(g.class), item.Hostname, item.URL})
		}
	}
	for _, e := range r.Errors {
		t.AppendRow(table.Row{"ERROR", e.URL, e.Error})
	}
	t.AppendFooter(table.Row{"Checked at", r.Timestamp.Format(timeLayout), ""})
	return t.Render()
}

// FormatHealth renders resolver health reports.
func FormatHealth(reports []connectivity.HealthReport) string {
	t := newTable("Resolver health")
	t.AppendHeader(table.Row{"Pool", "Resolver", "Healthy", "Duration", "Error"})
	for _, r := range reports {
		t.AppendRow(table.Row{r.Pool, r.Resolver, r.Healthy, (time.Duration(r.DurationMs) * time.Millisecond).String(), r.Error.Summary()})
	}
	return t.Render()
}

// FormatHistory renders stored accessibility reports.
func FormatHistory(records []models.ReportRecord) string {
	t := newTable("Recent checks")
	t.AppendHeader(table.Row{"Checked at", "Hostname", "Status", "HTTP"})
	for _, r := range records {
		httpCol := r.HTTPError
		if r.HTTPStatus != 0 {
			httpCol = fmt.Sprint(r.HTTPStatus)
		}
		t.AppendRow(table.Row{r.CheckedAt.Format(timeLayout), r.Hostname, r.Classification, httpCol})
	}
	return t.Render()
}

// FormatReferralHistory renders stored referral fetches.
func FormatReferralHistory(records []models.ReferralRecord) string {
	t := newTable("Recent referral fetches")
	t.AppendHeader(table.Row{"Fetched at", "Account", "Link", "Players", "Active"})
	for _, r := range records {
		t.AppendRow(table.Row{r.FetchedAt.Format(timeLayout), r.AccountName, r.ReferralLink,
			formatInt(r.TotalPlayers), formatInt(r.ActivePlayers)})
	}
	return t.Render()
}

// FormatCounts renders the number of stored reports per classification.
func FormatCounts(counts map[string]int) string {
	t := newTable("Checks by status")
	t.AppendHeader(table.Row{"Status", "Count"})
	total := 0
	for _, c := range models.Classifications {
		t.AppendRow(table.Row{string(c), formatInt(counts[string(c)])})
		total += counts[string(c)]
	}
	t.AppendFooter(table.Row{"Total", formatInt(total)})
	return t.Render()
}

// FormatOwners renders the network owner of each address.
func FormatOwners(owners map[string]*ipinfo.Info) string {
	ips := make([]string, 0, len(owners))
	for ip := range owners {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	t := newTable("Address owners")
	t.AppendHeader(table.Row{"Address", "ASN", "Organisation", "Country"})
	for _, ip := range ips {
		number, org := owners[ip].ASN()
		t.AppendRow(table.Row{ip, number, org, owners[ip].Country})
	}
	return t.Render()
}

// formatInt groups thousands with dots.
func formatInt(n int) string {
	s := fmt.Sprint(n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
